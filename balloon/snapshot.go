package balloon

// SnapshotState is the versioned, persisted record of negotiated
// device state: negotiated features plus config space. It round trips
// through State()/New(..., state): a device constructed from a
// captured state reproduces identical avail/acked features and
// byte-for-byte config space, and starts paused.
type SnapshotState struct {
	AvailFeatures uint64
	AckedFeatures uint64
	Config        configSpace
}

// State captures the device's negotiated state for migration/restore.
// This is normally taken while the device is paused; the method itself
// does not pause the device, that's the caller's responsibility (the
// management plane pauses, then snapshots).
func (d *Device) State() SnapshotState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return SnapshotState{
		AvailFeatures: d.features.avail,
		AckedFeatures: d.features.acked,
		Config:        d.config,
	}
}
