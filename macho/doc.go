// Package macho reads and writes the 32-bit ARM Mach-O executable format.
//
// Parse accepts thin images and fat archives and decodes what a loader
// needs: segments and sections, the symbol and indirect symbol tables,
// relocations, dylib references, dyld-info bind and rebase streams, and the
// entry point from LC_UNIXTHREAD or LC_MAIN. Encrypted images are rejected
// with ErrEncrypted.
//
// Builder assembles small executables for tools and tests:
//
//	b := macho.NewBuilder()
//	text := b.Segment("__TEXT", 0x1000, 0x1000, macho.ProtRead|macho.ProtExec)
//	text.Section("__text", 0x1000, macho.Words(0xe12fff1e))
//	b.Export("_main", 0x1000, false)
//	b.Entry(0x1000)
//	image, err := b.Build()
package macho
