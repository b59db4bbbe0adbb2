package frameio

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	segIDToken   = "<SEGID>"
	dataDirToken = "<SEG_DATA_DIR>"
)

// ExpandSegmentPath substitutes the per-segment tokens in an ON SEGMENT
// filename. The <SEGID> token is mandatory so different segments can never
// collide on one path.
func ExpandSegmentPath(path string, segID int, dataDir string) (string, error) {
	if !strings.Contains(path, segIDToken) {
		return "", fmt.Errorf("<SEGID> is required in the file path of COPY ON SEGMENT")
	}
	path = strings.ReplaceAll(path, segIDToken, strconv.Itoa(segID))
	path = strings.ReplaceAll(path, dataDirToken, dataDir)
	return path, nil
}

// ProgramEnv builds the extra environment a PROGRAM peer inherits: the
// identity of the segment the command runs on.
func ProgramEnv(segID, segCount int, database, user, xid string) []string {
	return []string{
		"MC_SEGMENT=" + strconv.Itoa(segID),
		"MC_SEGMENT_COUNT=" + strconv.Itoa(segCount),
		"MC_DATABASE=" + database,
		"MC_USER=" + user,
		"MC_XID=" + xid,
	}
}
