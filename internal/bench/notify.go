package bench

// Subscribe returns a channel that receives a snapshot after every change to
// the table, starting with the current state. Slow readers only see the most
// recent snapshot. Snapshots are shared between subscribers and must be
// treated as read-only. The returned func unsubscribes and closes the channel.
func (a *Aggregator) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	a.mu.Lock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = ch
	ch <- a.snapshotLocked()
	a.mu.Unlock()

	cancel := func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if _, ok := a.subs[id]; ok {
			delete(a.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

func (a *Aggregator) notifyLocked() {
	if len(a.subs) == 0 {
		return
	}
	s := a.snapshotLocked()
	for _, ch := range a.subs {
		select {
		case ch <- s:
		default:
			// Replace the stale snapshot with the latest one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}
