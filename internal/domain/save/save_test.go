package save

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "noirdesk/pkg/errors"
)

func TestNew_Defaults(t *testing.T) {
	g := New(3)

	assert.NotEmpty(t, g.SaveID)
	assert.Equal(t, 3, g.SlotIndex)
	assert.Equal(t, 1, g.PlayerStats.Level)
	assert.Equal(t, DefaultSettings(), g.Settings)
	require.NoError(t, g.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*GameSave)
		wantErr bool
	}{
		{
			name:   "fresh save is valid",
			mutate: func(*GameSave) {},
		},
		{
			name:    "missing save id",
			mutate:  func(g *GameSave) { g.SaveID = "" },
			wantErr: true,
		},
		{
			name:    "slot index below keyed sentinel",
			mutate:  func(g *GameSave) { g.SlotIndex = -2 },
			wantErr: true,
		},
		{
			name: "case progress over 100 percent",
			mutate: func(g *GameSave) {
				g.Cases = append(g.Cases, CaseProgress{
					CaseID:            "case-1",
					Status:            CaseInProgress,
					CompletionPercent: 120,
				})
			},
			wantErr: true,
		},
		{
			name: "unknown case status",
			mutate: func(g *GameSave) {
				g.Cases = append(g.Cases, CaseProgress{CaseID: "case-1", Status: "paused"})
			},
			wantErr: true,
		},
		{
			name:    "volume outside range",
			mutate:  func(g *GameSave) { g.Settings.MasterVolume = 1.5 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(0)
			tt.mutate(g)
			err := g.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperrors.IsValidation(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStartCase(t *testing.T) {
	g := New(0)

	g.StartCase("case-7")

	cp := g.CaseByID("case-7")
	require.NotNil(t, cp)
	assert.Equal(t, CaseInProgress, cp.Status)
	assert.NotNil(t, cp.StartedAt)
	assert.Equal(t, "case-7", g.CurrentCaseID)

	// starting again is a no-op beyond current-case tracking
	g.StartCase("case-7")
	assert.Len(t, g.Cases, 1)
}

func TestCompleteCase(t *testing.T) {
	g := New(0)
	g.StartCase("case-7")

	g.CompleteCase("case-7")

	cp := g.CaseByID("case-7")
	assert.Equal(t, CaseCompleted, cp.Status)
	assert.Equal(t, float64(100), cp.CompletionPercent)
	assert.NotNil(t, cp.CompletedAt)
	assert.Equal(t, 1, g.PlayerStats.SolvedCases)

	// idempotent
	g.CompleteCase("case-7")
	assert.Equal(t, 1, g.PlayerStats.SolvedCases)

	// unknown case is ignored
	g.CompleteCase("case-unknown")
	assert.Equal(t, 1, g.PlayerStats.SolvedCases)
}

func TestDiscovery_Deduplicates(t *testing.T) {
	g := New(0)

	g.DiscoverEvidence("ev-1")
	g.DiscoverEvidence("ev-1")
	g.DiscoverClue("clue-1")
	g.DiscoverClue("clue-2")
	g.CompleteChallenge("ch-1")
	g.CompleteChallenge("ch-1")

	assert.Equal(t, []string{"ev-1"}, g.DiscoveredEvidence)
	assert.Equal(t, []string{"clue-1", "clue-2"}, g.DiscoveredClues)
	assert.Equal(t, []string{"ch-1"}, g.CompletedChallenges)
}

func TestJSONRoundTrip(t *testing.T) {
	g := New(2)
	g.StartCase("case-1")
	g.DiscoverEvidence("ev-9")

	data, err := json.Marshal(g)
	require.NoError(t, err)

	var decoded GameSave
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, g.SaveID, decoded.SaveID)
	assert.Equal(t, g.SlotIndex, decoded.SlotIndex)
	assert.Equal(t, g.DiscoveredEvidence, decoded.DiscoveredEvidence)
	require.Len(t, decoded.Cases, 1)
	assert.Equal(t, CaseInProgress, decoded.Cases[0].Status)
}

func TestCaseStatus_Valid(t *testing.T) {
	assert.True(t, CaseInProgress.Valid())
	assert.False(t, CaseStatus("paused").Valid())
}
