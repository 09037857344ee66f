package internal

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoveInstalled(t *testing.T) {
	otherBase := uint64(0x0100000000020000)

	seed := func(t *testing.T) (*NandStore, *NandStore) {
		fs := afero.NewMemMapFs()
		user := newTestStore(t, fs, "user")
		system := newTestStore(t, fs, "system")
		seedStore(t, user,
			memEntry(testContentID(0x01), testBaseTitleID, ContentProgram, patterned(10)),
			memEntry(testContentID(0x02), testBaseTitleID, ContentMeta, patterned(10)),
			memEntry(testContentID(0x03), testAoCTitleID, ContentPublicData, patterned(10)),
			memEntry(testContentID(0x04), testAoCTitleID+1, ContentPublicData, patterned(10)),
			memEntry(testContentID(0x05), otherBase, ContentProgram, patterned(10)),
		)
		seedStore(t, system,
			memEntry(testContentID(0x06), testUpdateTitleID, ContentProgram, patterned(10)),
		)
		return user, system
	}

	tests := []struct {
		name       string
		kind       InstalledEntryKind
		want       RemovalReport
		wantRemain []ContentID
	}{
		{
			name:       "game removes base, update and add-ons",
			kind:       RemoveGame,
			want:       RemovalReport{Base: 2, Update: 1, AddOn: 2},
			wantRemain: []ContentID{testContentID(0x05)},
		},
		{
			name:       "update only",
			kind:       RemoveUpdate,
			want:       RemovalReport{Update: 1},
			wantRemain: []ContentID{testContentID(0x01), testContentID(0x02), testContentID(0x03), testContentID(0x04), testContentID(0x05)},
		},
		{
			name:       "add-ons only",
			kind:       RemoveAddOnContent,
			want:       RemovalReport{AddOn: 2},
			wantRemain: []ContentID{testContentID(0x01), testContentID(0x02), testContentID(0x05), testContentID(0x06)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, system := seed(t)
			report, err := RemoveInstalled(testBaseTitleID, tt.kind, user, system)
			require.NoError(t, err)
			assert.Equal(t, tt.want, report)

			var remain []ContentID
			for _, store := range []*NandStore{user, system} {
				for _, rec := range store.List() {
					remain = append(remain, rec.ID)
				}
			}
			assert.ElementsMatch(t, tt.wantRemain, remain)
		})
	}

	t.Run("nothing installed", func(t *testing.T) {
		user, system := seed(t)
		_, err := RemoveInstalled(0x0100000000090000, RemoveGame, user, system)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("update of a program id resolves to its base", func(t *testing.T) {
		user, system := seed(t)
		report, err := RemoveInstalled(testUpdateTitleID, RemoveUpdate, user, system)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Total())
	})
}

func TestParseInstalledEntryKind(t *testing.T) {
	tests := map[string]InstalledEntryKind{
		"game":   RemoveGame,
		"Update": RemoveUpdate,
		"dlc":    RemoveAddOnContent,
		"aoc":    RemoveAddOnContent,
	}
	for name, want := range tests {
		got, err := ParseInstalledEntryKind(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := ParseInstalledEntryKind("firmware")
	assert.ErrorIs(t, err, ErrConfig)
}
