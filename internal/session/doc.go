// Package session runs buffer pools against video devices.
//
// A Session owns one device queue and the pool serving it:
//   - Opens the device and reads the negotiated format
//   - Configures and starts a bufferpool.Pool
//   - Moves frames between the pool and a FrameSink or FrameSource
//   - Rebuilds the pool when the device reports a resolution change
//
// A Manager keeps named sessions built from pool definitions:
//   - Start/Stop/Restart individual sessions by ID
//   - State tracking (idle, starting, running, stopping, orphaned, error)
//   - Orphan sessions whose device disappeared
//   - Apply pool definition reloads
//
// Example usage:
//
//	mgr := session.NewManager(&session.ManagerOptions{
//	    Pools: func() config.PoolsFile { return pools },
//	    Bus:   bus,
//	})
//	mgr.Start("cam0")
//	defer mgr.StopAll()
package session
