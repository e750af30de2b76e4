package registry

// PlantIndexEntry inserts a connection-index entry with no backing
// subscription, so tests can exercise corrupt-index handling.
func (r *Registry) PlantIndexEntry(connID, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byConn[connID] == nil {
		r.byConn[connID] = make(map[string]struct{})
	}
	r.byConn[connID][key] = struct{}{}
}
