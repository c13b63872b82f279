package merge

import "github.com/centradb/dbsync/internal/dbsync/registry"

// Resolution picks a side of an update-update conflict.
type Resolution int

const (
	KeepLocal Resolution = iota
	KeepRemote
)

// InsertResolution decides what happens to a remote insert whose primary key
// collides with an unpushed local insert.
type InsertResolution int

const (
	// ReallocateRemote keeps both rows, rewriting the incoming one to the
	// successor of the table's maximum primary key.
	ReallocateRemote InsertResolution = iota
	// DiscardRemote drops the incoming row entirely.
	DiscardRemote
)

// Strategy lets applications override the update-update and insert-insert
// rules. Delete conflicts always resolve by reverting the delete; that part
// of the policy is structural and not pluggable.
type Strategy interface {
	ResolveUpdate(ref registry.Ref, local, remote registry.Row) Resolution
	ResolveInsert(ref registry.Ref) InsertResolution
}

// DefaultStrategy is the fixed policy: local updates win, colliding inserts
// keep both rows by reallocating the remote primary key.
type DefaultStrategy struct{}

func (DefaultStrategy) ResolveUpdate(registry.Ref, registry.Row, registry.Row) Resolution {
	return KeepLocal
}

func (DefaultStrategy) ResolveInsert(registry.Ref) InsertResolution {
	return ReallocateRemote
}
