package discovery

import (
	"strconv"
	"strings"
)

// UPID is a parsed Proxmox task identifier. The wire format is
// "UPID:node:pid:pstart:starttime:hex:type:encoded-id:user:" where the
// encoded-id segment carries hex escapes for reserved characters.
type UPID struct {
	Node      string
	PID       string
	PStart    string
	StartTime int64
	Type      string
	ID        string
	User      string
}

// parseUPID parses a UPID string. Malformed input returns ok=false rather
// than a partial result.
func parseUPID(raw string) (UPID, bool) {
	parts := strings.Split(raw, ":")
	if len(parts) < 9 || parts[0] != "UPID" {
		return UPID{}, false
	}

	startTime, err := strconv.ParseInt(parts[4], 16, 64)
	if err != nil {
		// Some task views carry decimal start times.
		startTime, err = strconv.ParseInt(parts[4], 10, 64)
		if err != nil {
			startTime = 0
		}
	}

	return UPID{
		Node:      parts[1],
		PID:       parts[2],
		PStart:    parts[3],
		StartTime: startTime,
		Type:      parts[6],
		ID:        decodeUPIDSegment(parts[7]),
		User:      parts[8],
	}, true
}

// decodeUPIDSegment undoes the \xNN hex escaping Proxmox applies to
// reserved characters inside UPID id segments.
func decodeUPIDSegment(s string) string {
	if !strings.Contains(s, `\x`) {
		return s
	}

	var b strings.Builder
	for i := 0; i < len(s); {
		if i+3 < len(s) && s[i] == '\\' && s[i+1] == 'x' {
			if code, err := strconv.ParseUint(s[i+2:i+4], 16, 8); err == nil {
				b.WriteByte(byte(code))
				i += 4
				continue
			}
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}

// verifyJobIDFromUPID extracts the verification job id embedded in a
// verify-task UPID. The decoded id segment looks like
// "datastore:v-backup-daily-xxxx"; the job id is the substring after the
// last colon. Returns "" when no job id can be extracted.
func verifyJobIDFromUPID(raw string) string {
	upid, ok := parseUPID(raw)
	if !ok {
		return ""
	}
	if upid.Type != "verify" && upid.Type != "verificationjob" && upid.Type != "verify_group" {
		return ""
	}

	id := upid.ID
	if idx := strings.LastIndex(id, ":"); idx >= 0 {
		id = id[idx+1:]
	}
	// Manual per-snapshot verify tasks carry a group path ("vm/100/...")
	// here instead of a job id.
	if id == "" || strings.Contains(id, "/") {
		return ""
	}
	return id
}
