package internal

import "fmt"

// DefaultSystemTitleThreshold separates console titles from homebrew ids, which are never
// treated as base installs
const DefaultSystemTitleThreshold uint64 = 0x01FFFFFFFFFFFFFF

// Policy is the install policy applied by ResolveConflicts
type Policy struct {
	InstallIntoSystemArea bool
	SystemTitleThreshold  uint64
}

// DefaultPolicy returns a policy installing into the user area
func DefaultPolicy() Policy {
	return Policy{SystemTitleThreshold: DefaultSystemTitleThreshold}
}

// Presence tells whether a content id is already committed in the destination store
type Presence int

const (
	Absent Presence = iota
	Present
)

func (p Presence) String() string {
	if p == Present {
		return "Present"
	}
	return "Absent"
}

// ClassifyEntry reports whether entry is already present in store
func ClassifyEntry(entry *ContentEntry, store ContentStore) Presence {
	if store.Exists(entry.ID) {
		return Present
	}
	return Absent
}

// Resolution is the decision taken for a package before any byte is written
type Resolution struct {
	Presence map[ContentID]Presence
	// Overwrite is set when the package replaces an existing title or entry
	Overwrite bool
}

// isBaseInstall reports whether installing entry would overwrite an installed base application
// in the system area
func isBaseInstall(entry *ContentEntry, store ContentStore, policy Policy) bool {
	if !policy.InstallIntoSystemArea || !entry.IsBaseProgram() {
		return false
	}
	threshold := policy.SystemTitleThreshold
	if threshold == 0 {
		threshold = DefaultSystemTitleThreshold
	}
	if entry.TitleID >= threshold {
		return false
	}
	return store.HasTitle(BaseTitleID(entry.TitleID), TitleApplication)
}

// ResolveConflicts classifies every entry of a package against store. A package that would
// overwrite a base application in the system area is rejected with ErrBaseInstall.
func ResolveConflicts(entries []*ContentEntry, store ContentStore, policy Policy) (Resolution, error) {
	res := Resolution{Presence: make(map[ContentID]Presence, len(entries))}

	for _, entry := range entries {
		if isBaseInstall(entry, store, policy) {
			return Resolution{}, NewInstallError(CodeBaseInstall,
				"refusing to overwrite base application %016x in the system area", BaseTitleID(entry.TitleID)).
				WithDetail("titleId", entry.TitleID)
		}
	}

	for _, entry := range entries {
		presence := ClassifyEntry(entry, store)
		res.Presence[entry.ID] = presence
		if presence == Present || store.HasTitle(entry.TitleID, entry.TitleType) {
			res.Overwrite = true
		}
	}

	PushLogDebug("resolver", fmt.Sprintf("Resolved %d entries, overwrite=%t", len(entries), res.Overwrite))
	return res, nil
}
