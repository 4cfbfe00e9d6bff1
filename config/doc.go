// Package config reads the emulator configuration from TOML.
//
// Every key has a default, so a file only names what it changes. Sizes
// accept human strings:
//
//	[memory]
//	heap-ceiling = "128MiB"
//
//	[stack]
//	size = "1MiB"
//
//	[dispatch]
//	unimplemented = "return-zero"
//	error-returns = { _CFPreferencesCopyAppValue = 0 }
//
//	[guest]
//	args = ["-level", "3"]
//	env = ["HOME=/var/mobile"]
package config
