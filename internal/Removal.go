package internal

import (
	"fmt"
	"strings"
)

// InstalledEntryKind selects what RemoveInstalled deletes for a program id
type InstalledEntryKind int

const (
	// RemoveGame removes the base application together with its update and add-ons
	RemoveGame InstalledEntryKind = iota
	RemoveUpdate
	RemoveAddOnContent
)

func (k InstalledEntryKind) String() string {
	switch k {
	case RemoveGame:
		return "game"
	case RemoveUpdate:
		return "update"
	case RemoveAddOnContent:
		return "aoc"
	default:
		return fmt.Sprintf("InstalledEntryKind(%d)", int(k))
	}
}

// ParseInstalledEntryKind parses "game", "update" or "aoc"
func ParseInstalledEntryKind(name string) (InstalledEntryKind, error) {
	switch strings.ToLower(name) {
	case "game", "base":
		return RemoveGame, nil
	case "update", "patch":
		return RemoveUpdate, nil
	case "aoc", "dlc", "addon":
		return RemoveAddOnContent, nil
	default:
		return 0, NewInstallError(CodeConfig, "unknown entry kind %q", name)
	}
}

// TitleRemover is a store whose committed titles can be listed and removed
type TitleRemover interface {
	List() []ContentRecord
	RemoveTitle(titleID uint64) (int, error)
}

// RemovalReport counts removed contents per kind
type RemovalReport struct {
	Base   int
	Update int
	AddOn  int
}

// Total returns the number of removed contents
func (r RemovalReport) Total() int {
	return r.Base + r.Update + r.AddOn
}

// RemoveInstalled removes the installed entries of programID selected by kind from the stores,
// searched in order. Removing a game also removes its update and add-ons.
// ErrNotFound is returned when nothing was removed.
func RemoveInstalled(programID uint64, kind InstalledEntryKind, stores ...TitleRemover) (RemovalReport, error) {
	var report RemovalReport
	baseID := BaseTitleID(programID)

	removeFirst := func(titleID uint64) (int, error) {
		for _, store := range stores {
			n, err := store.RemoveTitle(titleID)
			if err != nil {
				return n, err
			}
			if n > 0 {
				return n, nil
			}
		}
		return 0, nil
	}

	var err error
	switch kind {
	case RemoveGame:
		if report.Base, err = removeFirst(baseID); err != nil {
			return report, err
		}
		fallthrough
	case RemoveUpdate:
		if report.Update, err = removeFirst(UpdateTitleID(baseID)); err != nil {
			return report, err
		}
		if kind == RemoveUpdate {
			break
		}
		fallthrough
	case RemoveAddOnContent:
		for _, store := range stores {
			for _, titleID := range addOnTitles(store, baseID) {
				n, err := store.RemoveTitle(titleID)
				report.AddOn += n
				if err != nil {
					return report, err
				}
			}
		}
	default:
		return report, NewInstallError(CodeConfig, "unknown entry kind %d", int(kind))
	}

	if report.Total() == 0 {
		return report, NewInstallError(CodeNotFound, "no installed %s found for %016x", kind, programID)
	}
	PushLogInfo("remove", fmt.Sprintf("Removed %s of %016x: %d base, %d update, %d add-on contents",
		kind, programID, report.Base, report.Update, report.AddOn))
	return report, nil
}

// addOnTitles lists the distinct add-on title ids of store whose base is baseID
func addOnTitles(store TitleRemover, baseID uint64) []uint64 {
	var ids []uint64
	for _, rec := range store.List() {
		if rec.TitleType == TitleAddOnContent && BaseTitleID(rec.TitleID) == baseID {
			ids = append(ids, rec.TitleID)
		}
	}
	var titles []uint64
	for id := range ToSet(ids) {
		titles = append(titles, id)
	}
	return titles
}
