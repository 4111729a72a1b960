// Package bundleruntime loads script bundles and runs them in isolated
// execution environments.
//
// A bundle is either one monolithic script or an indexed archive: a startup
// script plus a table of modules read lazily on demand. Each environment
// owns a scripting engine bridge and a serial dispatch queue. Script code
// running in an environment pulls in modules and further bundles by name
// through the native resolution functions installed by the bridge.
//
// # Architecture Overview
//
//	bundleruntime/       Root package with the Runtime host facade
//	├── bundle/          Bundle model, indexed archive reader and writer, storage
//	├── loader/          Bundle loaders for file paths and io/fs assets
//	├── registry/        Environment lifecycle, bundle cache and resolution
//	├── queue/           Per-environment serial dispatch queue
//	├── bridge/          Scripting engine contract
//	│   └── luabridge/   gopher-lua implementation
//	├── config/          HCL runtime manifest
//	├── errors/          Structured error types
//	└── cmd/             bundlerun and bundlepack tools
//
// # Quick Start
//
//	rt, err := bundleruntime.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	if err := rt.Start(ctx, "main", "dist/main.bundle"); err != nil {
//	    log.Fatal(err)
//	}
//
// # Archive Format
//
// Indexed archives are little-endian: a u32 magic 0xFB0BD1E5, a u32 entry
// count, then one {offset u32, length u32} entry per module. Offsets are
// relative to the end of the table. Entry 0 is the startup script. Use
// bundle.WriteIndexed or cmd/bundlepack to produce them.
//
// # Thread Safety
//
// Runtime and registry.Registry are safe for concurrent use. Bridges are
// only ever called from their environment's queue.
package bundleruntime
