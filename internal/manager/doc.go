// Package manager is the residency cache: it decides which models are loaded,
// hands out leases on them, and admits generation work per model.
//
//   - manager.go: Manager type, construction, Close.
//   - config.go: Config and package defaults.
//   - types.go: ResidentModel, Lease and the internal entry.
//   - acquire.go: single-flight Acquire and the load path.
//   - evict.go: least-recently-acquired eviction that never touches pinned models.
//   - unload.go: explicit Unload/UnloadAll.
//   - admission.go: per-model queue and execution slots (429 on overflow).
//   - status_report.go: ListResident, Status, Ready.
//   - lru_persist.go: resident-set snapshot and Prewarm.
//   - ops.go: asynchronous Preload.
//   - events.go, eventpub_memory.go: lifecycle events.
//   - metrics.go: Prometheus collectors.
//
// A model is pinned while any lease on it is outstanding. Pinned models are
// never evicted or unloaded; when every resident model is pinned the cache
// grows past MaxResident and shrinks again as leases are released.
package manager
