package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/riverfog7/ContentInstaller/internal"
)

type listedContent struct {
	Store       string `json:"store"`
	ContentID   string `json:"contentId"`
	TitleID     string `json:"titleId"`
	TitleType   string `json:"titleType"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	Checksum    string `json:"xxh64"`
	InstalledAt string `json:"installedAt"`
}

func parseProgramID(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	return strconv.ParseUint(s, 16, 64)
}

func openStores(cfg *internal.Config) (*internal.NandStore, *internal.NandStore, bool) {
	userStore, systemStore, err := internal.OpenStores(afero.NewOsFs(), *cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open content stores")
		return nil, nil, false
	}
	return userStore, systemStore, true
}

func RemoveCommand(cfg *internal.Config, cmd *RemoveCmd) int {
	programID, err := parseProgramID(cmd.ProgramID)
	if err != nil {
		log.Error().Err(err).Str("programId", cmd.ProgramID).Msg("Invalid program id")
		return 2
	}
	kind, err := internal.ParseInstalledEntryKind(cmd.Kind)
	if err != nil {
		log.Error().Err(err).Msg("Invalid entry kind")
		return 2
	}

	userStore, systemStore, ok := openStores(cfg)
	if !ok {
		return 1
	}

	report, err := internal.RemoveInstalled(programID, kind, userStore, systemStore)
	if err != nil {
		log.Error().Err(err).Msg("Failed to remove installed entry")
		return 1
	}
	fmt.Printf("Removed %d content(s): %d base, %d update, %d add-on\n",
		report.Total(), report.Base, report.Update, report.AddOn)
	return 0
}

func ListCommand(cfg *internal.Config, cmd *ListCmd) int {
	userStore, systemStore, ok := openStores(cfg)
	if !ok {
		return 1
	}

	var listed []listedContent
	for _, store := range []*internal.NandStore{userStore, systemStore} {
		for _, rec := range store.List() {
			listed = append(listed, listedContent{
				Store:       store.String(),
				ContentID:   rec.ID.String(),
				TitleID:     fmt.Sprintf("%016x", rec.TitleID),
				TitleType:   rec.TitleType.String(),
				ContentType: rec.ContentType.String(),
				Size:        rec.Size,
				Checksum:    fmt.Sprintf("%016x", rec.Checksum),
				InstalledAt: rec.InstalledAt.Format(time.RFC3339),
			})
		}
	}

	if cmd.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(listed); err != nil {
			log.Error().Err(err).Msg("Failed to write JSON")
			return 1
		}
		return 0
	}

	for _, c := range listed {
		fmt.Printf("%-6s %s %s %-14s %-10s %s\n",
			c.Store, c.TitleID, c.ContentID, c.TitleType, c.ContentType, summarizeSizeSimple(float64(c.Size)))
	}
	fmt.Printf("%d content(s) installed\n", len(listed))
	return 0
}

func VerifyCommand(cfg *internal.Config, cmd *VerifyCmd) int {
	userStore, systemStore, ok := openStores(cfg)
	if !ok {
		return 1
	}
	stores := []*internal.NandStore{userStore, systemStore}

	var targets []internal.ContentID
	for _, s := range cmd.ContentIDs {
		id, err := internal.ParseContentID(s)
		if err != nil {
			log.Error().Err(err).Str("contentId", s).Msg("Invalid content id")
			return 2
		}
		targets = append(targets, id)
	}
	if len(targets) == 0 {
		for _, store := range stores {
			for _, rec := range store.List() {
				targets = append(targets, rec.ID)
			}
		}
	}

	bad := 0
	for _, id := range targets {
		var verifyErr error = internal.NewInstallError(internal.CodeNotFound, "content %s is not installed", id)
		for _, store := range stores {
			if store.Exists(id) {
				verifyErr = store.Verify(id)
				break
			}
		}
		if verifyErr != nil {
			bad++
			log.Warn().Err(verifyErr).Str("contentId", id.String()).Msg("Verification failed")
			continue
		}
		log.Debug().Str("contentId", id.String()).Msg("Verified")
	}

	fmt.Printf("%d of %d content(s) verified\n", len(targets)-bad, len(targets))
	if bad > 0 {
		return 1
	}
	return 0
}
