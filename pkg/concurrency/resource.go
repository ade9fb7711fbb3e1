package concurrency

import "fmt"

// LockMode is a relation lock level.
type LockMode int

const (
	// AccessShareLock is taken by readers that tolerate concurrent writes.
	AccessShareLock LockMode = iota + 1
	// RowExclusiveLock is taken by writers.
	RowExclusiveLock
	// ShareLock keeps writers out while allowing other readers.
	ShareLock
)

// Conflicts reports whether m and o cannot be held on the same relation at once.
func (m LockMode) Conflicts(o LockMode) bool {
	return (m == RowExclusiveLock && o == ShareLock) || (m == ShareLock && o == RowExclusiveLock)
}

func (m LockMode) String() string {
	switch m {
	case AccessShareLock:
		return "AccessShareLock"
	case RowExclusiveLock:
		return "RowExclusiveLock"
	case ShareLock:
		return "ShareLock"
	}
	return fmt.Sprintf("LockMode(%d)", int(m))
}

// A Resource is a relation, uniquely identified by its name.
type Resource struct {
	relation string
}

// RelationResource returns the resource for the named relation.
func RelationResource(name string) Resource {
	return Resource{relation: name}
}

func (r Resource) GetRelationName() string {
	return r.relation
}
