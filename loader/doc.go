// Package loader maps a Mach-O executable into guest memory and binds its
// imports.
//
// Loading happens in a fixed order: segments are mapped with their initial
// protection and file bytes, local relocations and rebases are slid, and
// then every import site is bound through a Binder chain. Imports no binder
// knows are bound to failing stubs, so an image always loads unless Strict
// is set:
//
//	img, err := loader.Load(mem, data, path, loader.Options{
//		Binder: loader.Chain{
//			loader.SymbolBinder(table.Resolve),
//			loader.SymbolBinder(rt.ClassSymbol),
//		},
//		Stubs: table,
//	})
//
// SetupStack lays out argc, argv, envp and the apple strings for the entry
// point.
package loader
