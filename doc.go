// Package offcache keeps one versioned generation of a site's assets
// precached and serves requests network-first with fallback to it.
//
// Components:
//   - Manager: one deployment. Owns a generation name and a manifest, and
//     runs the Install / Activate / Fetch lifecycle against injected
//     storage and network capabilities.
//   - Registration: hosts successive managers. A failed deployment leaves
//     the previous manager in control; a successful one takes over at once
//     (skip-waiting) and sweeps every other generation.
//   - storage.Storage: named stores of request -> response entries
//     (storage/memory in-process, storage/kv over Ristretto, BigCache or Redis).
//
// Lifecycle per manager:
//
//	installing -> installed -> activating -> active
//	     \-> redundant (failed install, or replaced)
//
// The fetch path never writes: an entry is exactly what Install captured,
// so every generation replays a known snapshot when offline.
//
// Usage:
//
//	m, _ := offcache.New(offcache.Options{
//	    Generation: "esfas-app-v6.0",
//	    Manifest:   offcache.Manifest{"/", "/static/css/style.css", "/offline.html"},
//	    Origin:     "https://app.example.com",
//	    Storage:    memory.New(),
//	    Network:    offcache.HTTPFetcher{},
//	})
//	reg := offcache.NewRegistration(offcache.RegistrationOptions{})
//	_ = reg.Deploy(ctx, m)
//	client := &http.Client{Transport: reg}
package offcache
