package risk

import (
	"fmt"

	"perp-grid-engine/internal/models"

	"go.uber.org/zap"
)

// RequestSwitch accepts a side flip only while no level holds exposure.
// Resting entries are cancelled first; CompleteSwitch flips the side once they are gone.
func RequestSwitch(st *models.GridState, side models.Side) ([]models.Action, error) {
	if !side.Valid() {
		return nil, fmt.Errorf("unknown side %q", side)
	}
	if side == st.Side && st.PendingSide == "" {
		return nil, nil
	}
	if n := len(st.ExposureLevels()); n > 0 || len(st.PendingCuts) > 0 {
		return nil, fmt.Errorf("%w: %d levels hold a position", models.ErrSideSwitchRejected, n)
	}

	st.PendingSide = side
	var actions []models.Action
	for _, l := range st.Levels {
		if !l.State.EntryPending() {
			continue
		}
		h := entryHandle(l)
		if _, pending := st.ExpectedCancels[h.ClientID]; pending {
			continue
		}
		actions = append(actions, cancel(st, h, "switch"))
	}
	CompleteSwitch(st)
	return actions, nil
}

// CompleteSwitch flips a pending switch once every level is EMPTY.
// A fill that raced the cancels leaves exposure and aborts the switch.
func CompleteSwitch(st *models.GridState) (done bool, aborted bool) {
	if st.PendingSide == "" {
		return false, false
	}
	if st.HasExposure() {
		st.PendingSide = ""
		return false, true
	}
	for _, l := range st.Levels {
		if l.State.EntryPending() {
			return false, false
		}
	}
	st.Side = st.PendingSide
	st.PendingSide = ""
	st.SwitchCandidate = ""
	st.SwitchStreak = 0
	return true, false
}

// RecommendSide tracks the trend score and proposes a switch after enough consecutive
// confirmations. It returns false while the trend is unclear or already matches the side.
func (c *Controller) RecommendSide(st *models.GridState, sig models.TrendSignal) (models.Side, bool) {
	cfg := c.cfg.Risk
	if !cfg.AutoSwitch || !sig.Available() || cfg.SwitchScoreThreshold <= 0 || st.PendingSide != "" {
		return "", false
	}
	var rec models.Side
	switch {
	case sig.Score >= cfg.SwitchScoreThreshold:
		rec = models.SideLong
	case sig.Score <= -cfg.SwitchScoreThreshold:
		rec = models.SideShort
	}
	if rec == "" || rec == st.Side {
		if st.SwitchCandidate != "" {
			c.logger.Info("趋势不明确, 取消待定切换", zap.Int("score", sig.Score))
		}
		st.SwitchCandidate = ""
		st.SwitchStreak = 0
		return "", false
	}
	if st.SwitchCandidate == rec {
		st.SwitchStreak++
	} else {
		st.SwitchCandidate = rec
		st.SwitchStreak = 1
	}
	c.logger.Info("方向切换确认中", zap.String("to", string(rec)), zap.Int("score", sig.Score),
		zap.Int("streak", st.SwitchStreak), zap.Int("need", cfg.SwitchConfirmations))
	if st.SwitchStreak < cfg.SwitchConfirmations {
		return "", false
	}
	return rec, true
}
