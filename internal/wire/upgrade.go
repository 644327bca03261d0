package wire

// WorkerHandoff is one worker's identity plus the fd number (in the new
// master's fd table, after ExtraFiles inheritance) of its control channel,
// carried inside UpgradeData (spec.md §4.7).
type WorkerHandoff struct {
	Tag  string    `json:"tag"`
	ID   uint32    `json:"id"`
	Pid  int       `json:"pid"`
	Kind ProxyKind `json:"kind"`
	Fd   int       `json:"fd"`
}

// UpgradeData is the single JSON frame a retiring master sends its
// replacement over the upgrade control socket (spec.md §4.7 step 1). It
// carries the serialized ConfigState dump (the JSON encoding of
// Store.Dump's map), the ListenerSpec each tag needs for future respawns,
// and the fd
// handoff table for every live worker.
type UpgradeData struct {
	StateBlob []byte                  `json:"state_blob"`
	Specs     map[string]ListenerSpec `json:"specs"`
	Workers   []WorkerHandoff         `json:"workers"`
	AdminFd   int                     `json:"admin_fd"`
}
