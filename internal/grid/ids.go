package grid

import (
	"strconv"
	"strings"
	"time"

	"perp-grid-engine/internal/models"

	"github.com/jxskiss/base62"
)

const clientIDPrefix = "grid_"

var roleCodes = map[models.OrderRole]byte{
	models.RoleEntry: 'e',
	models.RoleTP:    't',
	models.RoleCut:   'c',
}

// NewClientOrderID builds grid_{level}_{role}{base62(nanos)}_{base62(seq)}.
// Binance caps client ids at 36 chars; this stays well under for any realistic level.
func NewClientOrderID(level int, role models.OrderRole, seq int64, now time.Time) string {
	var b strings.Builder
	b.WriteString(clientIDPrefix)
	b.WriteString(strconv.Itoa(level))
	b.WriteByte('_')
	b.WriteByte(roleCodes[role])
	b.Write(base62.FormatInt(now.UnixNano()))
	b.WriteByte('_')
	b.Write(base62.FormatInt(seq))
	return b.String()
}

// ParseClientOrderID recovers the level and role from an id made by NewClientOrderID.
func ParseClientOrderID(id string) (level int, role models.OrderRole, ok bool) {
	if !strings.HasPrefix(id, clientIDPrefix) {
		return 0, "", false
	}
	parts := strings.Split(strings.TrimPrefix(id, clientIDPrefix), "_")
	if len(parts) != 3 || len(parts[1]) < 2 {
		return 0, "", false
	}
	level, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", false
	}
	for r, code := range roleCodes {
		if parts[1][0] == code {
			if _, err := base62.ParseInt([]byte(parts[1][1:])); err != nil {
				return 0, "", false
			}
			return level, r, true
		}
	}
	return 0, "", false
}

// NextClientOrderID advances the state's order sequence and returns a fresh id.
func NextClientOrderID(st *models.GridState, level int, role models.OrderRole, now time.Time) string {
	st.OrderSeq++
	return NewClientOrderID(level, role, st.OrderSeq, now)
}
