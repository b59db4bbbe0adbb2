// Package dispatch defines the statement half of the coordinator-worker
// contract: RewriteCommand renders the per-segment COPY statement and
// ParseStatement reads it back on the worker. The two are inverses; the
// grammar is private to this pair.
package dispatch

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pg-sharding/mcopy/pkg/dialect"
)

// RewriteCommand builds the COPY statement the coordinator dispatches to
// every worker segment. The column list is the client's list plus any
// default columns the coordinator synthesizes, in that order; options are
// always spelled out in full so workers never fall back to their own
// defaults.
func RewriteCommand(rel string, cols []string, d *dialect.Dialect, dir dialect.Direction, filename, program string) string {
	var sb strings.Builder

	sb.WriteString("COPY ")
	sb.WriteString(quoteIdent(rel))
	if len(cols) > 0 {
		sb.WriteString(" (")
		for i, c := range cols {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(quoteIdent(c))
		}
		sb.WriteString(")")
	}

	if dir == dialect.DirectionLoad {
		sb.WriteString(" FROM ")
	} else {
		sb.WriteString(" TO ")
	}
	switch {
	case !d.OnSegment && dir == dialect.DirectionLoad:
		sb.WriteString("STDIN")
	case !d.OnSegment:
		sb.WriteString("STDOUT")
	case program != "":
		sb.WriteString("PROGRAM ")
		sb.WriteString(quoteLiteral(program))
		sb.WriteString(" ON SEGMENT")
	default:
		sb.WriteString(quoteLiteral(filename))
		sb.WriteString(" ON SEGMENT")
	}

	sb.WriteString(" WITH")
	if d.Mode == dialect.ModeBinary {
		sb.WriteString(" BINARY")
		if d.WithOIDs {
			sb.WriteString(" OIDS")
		}
		return sb.String()
	}

	if d.WithOIDs {
		sb.WriteString(" OIDS")
	}
	if d.Mode == dialect.ModeCSV {
		sb.WriteString(" CSV")
	}
	if d.DelimOff {
		sb.WriteString(" DELIMITER AS 'off'")
	} else {
		sb.WriteString(" DELIMITER AS ")
		sb.WriteString(quoteLiteral(string(d.Delim)))
	}
	sb.WriteString(" NULL AS ")
	sb.WriteString(quoteLiteral(string(d.Null)))
	if d.Mode == dialect.ModeCSV {
		sb.WriteString(" QUOTE AS ")
		sb.WriteString(quoteLiteral(string(d.Quote)))
	}
	if d.EscapeOff {
		sb.WriteString(" ESCAPE AS 'OFF'")
	} else {
		sb.WriteString(" ESCAPE AS ")
		sb.WriteString(quoteLiteral(string(d.Escape)))
	}
	if d.EOL != dialect.EOLAuto {
		sb.WriteString(" NEWLINE AS ")
		sb.WriteString(quoteLiteral(d.EOL.String()))
	}
	if d.FillMissing {
		sb.WriteString(" FILL MISSING FIELDS")
	}

	/* the streamed header row is consumed on the coordinator; only
	   per-segment files carry their own */
	if d.Header && d.OnSegment {
		sb.WriteString(" HEADER")
	}

	if d.Mode == dialect.ModeCSV {
		sb.WriteString(forceColumns(" FORCE NOT NULL", cols, d.ForceNotNull))
		sb.WriteString(forceColumns(" FORCE QUOTE", cols, d.ForceQuote))
	}

	if d.LogErrors {
		sb.WriteString(" LOG ERRORS")
	}
	if d.TolerantMode {
		sb.WriteString(" SEGMENT REJECT LIMIT ")
		sb.WriteString(strconv.Itoa(d.RejectLimit))
		if d.RejectKind == dialect.RejectPercent {
			sb.WriteString(" PERCENT")
		} else {
			sb.WriteString(" ROWS")
		}
	}

	return sb.String()
}

func forceColumns(clause string, cols []string, set map[int]bool) string {
	var names []string
	for i, c := range cols {
		if set[i] {
			names = append(names, quoteIdent(c))
		}
	}
	if len(names) == 0 {
		return ""
	}
	return clause + " " + strings.Join(names, ", ")
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// quoteLiteral renders a string constant in E'' form, hex-escaping control
// bytes so delimiters like tab survive the round trip.
func quoteLiteral(s string) string {
	var sb strings.Builder
	sb.WriteString("E'")
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\'':
			sb.WriteString("''")
		case c == '\\':
			sb.WriteString(`\\`)
		case c < 0x20 || c == 0x7f:
			fmt.Fprintf(&sb, `\x%02x`, c)
		default:
			sb.WriteByte(c)
		}
	}
	sb.WriteString("'")
	return sb.String()
}
