package events

import "time"

// Lifecycle event payloads. All of these are immutable value snapshots;
// subscribers receive copies and share no state with the publisher.

// ServiceInitialized is published when a service completes initialization.
type ServiceInitialized struct {
	Name     string
	Duration time.Duration
}

// ServiceFailed is published when a service's initialization fails.
type ServiceFailed struct {
	Name string
	Err  string
}

// GameSaved is published after a save attempt completes.
type GameSaved struct {
	Slot    int
	Key     string
	Success bool
}

// GameLoaded is published after a load attempt completes.
type GameLoaded struct {
	Slot    int
	Key     string
	Success bool
}

// SaveStarted is published when a save begins.
type SaveStarted struct {
	Key string
}

// LoadStarted is published when a load begins.
type LoadStarted struct {
	Key string
}

// CloudSyncStarted is published when a cloud synchronization pass begins.
type CloudSyncStarted struct{}

// CloudSyncCompleted is published when a cloud synchronization pass ends.
type CloudSyncCompleted struct {
	Success bool
}

// ConfigReloaded is published when the configuration watcher observes a
// change on disk.
type ConfigReloaded struct {
	Source string
}
