// Package save defines the canonical save-data aggregate persisted by the
// save subsystem: player stats, per-case progress, discovered evidence and
// clues, and user settings. A save is a value snapshot; writing a slot
// fully replaces the prior payload.
package save

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	apperrors "noirdesk/pkg/errors"
)

// CaseStatus tracks a case through its investigation lifecycle.
type CaseStatus string

const (
	CaseNotStarted CaseStatus = "not_started"
	CaseInProgress CaseStatus = "in_progress"
	CaseCompleted  CaseStatus = "completed"
	CaseFailed     CaseStatus = "failed"
)

// Valid reports whether the status is one of the known values.
func (s CaseStatus) Valid() bool {
	switch s {
	case CaseNotStarted, CaseInProgress, CaseCompleted, CaseFailed:
		return true
	}
	return false
}

// PlayerStats are the player's accumulated investigator stats.
type PlayerStats struct {
	Level       int `json:"level" validate:"gte=1"`
	Experience  int `json:"experience" validate:"gte=0"`
	Reputation  int `json:"reputation"`
	SolvedCases int `json:"solved_cases" validate:"gte=0"`
}

// CaseProgress is the per-case portion of a save.
type CaseProgress struct {
	CaseID            string     `json:"case_id" validate:"required"`
	Status            CaseStatus `json:"status" validate:"required,oneof=not_started in_progress completed failed"`
	CompletionPercent float64    `json:"completion_percent" validate:"gte=0,lte=100"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	UnlockedClueIDs   []string   `json:"unlocked_clue_ids"`
	CollectedEvidence []string   `json:"collected_evidence_ids"`
}

// Settings is the user-settings sub-record carried inside every save.
type Settings struct {
	MasterVolume     float64 `json:"master_volume" validate:"gte=0,lte=1"`
	MusicVolume      float64 `json:"music_volume" validate:"gte=0,lte=1"`
	SFXVolume        float64 `json:"sfx_volume" validate:"gte=0,lte=1"`
	SubtitlesEnabled bool    `json:"subtitles_enabled"`
	HintsEnabled     bool    `json:"hints_enabled"`
}

// DefaultSettings returns the settings a fresh profile starts with.
func DefaultSettings() Settings {
	return Settings{
		MasterVolume:     0.8,
		MusicVolume:      0.6,
		SFXVolume:        0.8,
		SubtitlesEnabled: true,
		HintsEnabled:     true,
	}
}

// GameSave is the aggregate written to a save slot.
type GameSave struct {
	SaveID              string         `json:"save_id" validate:"required"`
	SavedAt             time.Time      `json:"saved_at"`
	SlotIndex           int            `json:"slot_index" validate:"gte=-1"`
	PlayerStats         PlayerStats    `json:"player_stats"`
	Cases               []CaseProgress `json:"cases" validate:"dive"`
	DiscoveredEvidence  []string       `json:"discovered_evidence_ids"`
	DiscoveredClues     []string       `json:"discovered_clue_ids"`
	CompletedChallenges []string       `json:"completed_challenge_ids"`
	CurrentCaseID       string         `json:"current_case_id"`
	TotalPlayTime       time.Duration  `json:"total_play_time"`
	Settings            Settings       `json:"settings"`
}

var validate = validator.New()

// New creates a fresh save for the given slot with default settings.
// SlotIndex -1 marks a save that lives under a plain key rather than a
// user-facing slot.
func New(slotIndex int) *GameSave {
	return &GameSave{
		SaveID:      uuid.NewString(),
		SavedAt:     time.Now().UTC(),
		SlotIndex:   slotIndex,
		PlayerStats: PlayerStats{Level: 1},
		Settings:    DefaultSettings(),
	}
}

// Validate checks the aggregate's structural invariants.
func (g *GameSave) Validate() error {
	if err := validate.Struct(g); err != nil {
		return apperrors.NewValidation("invalid game save: " + err.Error())
	}
	return nil
}

// CaseByID returns the progress entry for the case, or nil.
func (g *GameSave) CaseByID(caseID string) *CaseProgress {
	for i := range g.Cases {
		if g.Cases[i].CaseID == caseID {
			return &g.Cases[i]
		}
	}
	return nil
}

// StartCase marks a case in progress, creating its entry when missing.
func (g *GameSave) StartCase(caseID string) {
	now := time.Now().UTC()
	if cp := g.CaseByID(caseID); cp != nil {
		if cp.Status == CaseNotStarted {
			cp.Status = CaseInProgress
			cp.StartedAt = &now
		}
		g.CurrentCaseID = caseID
		return
	}
	g.Cases = append(g.Cases, CaseProgress{
		CaseID:    caseID,
		Status:    CaseInProgress,
		StartedAt: &now,
	})
	g.CurrentCaseID = caseID
}

// CompleteCase marks a case completed and credits the player.
func (g *GameSave) CompleteCase(caseID string) {
	cp := g.CaseByID(caseID)
	if cp == nil || cp.Status == CaseCompleted {
		return
	}
	now := time.Now().UTC()
	cp.Status = CaseCompleted
	cp.CompletionPercent = 100
	cp.CompletedAt = &now
	g.PlayerStats.SolvedCases++
}

// DiscoverEvidence records an evidence id globally, once.
func (g *GameSave) DiscoverEvidence(evidenceID string) {
	g.DiscoveredEvidence = appendUnique(g.DiscoveredEvidence, evidenceID)
}

// DiscoverClue records a clue id globally, once.
func (g *GameSave) DiscoverClue(clueID string) {
	g.DiscoveredClues = appendUnique(g.DiscoveredClues, clueID)
}

// CompleteChallenge records a hacking-challenge id, once.
func (g *GameSave) CompleteChallenge(challengeID string) {
	g.CompletedChallenges = appendUnique(g.CompletedChallenges, challengeID)
}

// Touch stamps the save just before it is written.
func (g *GameSave) Touch() {
	g.SavedAt = time.Now().UTC()
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
