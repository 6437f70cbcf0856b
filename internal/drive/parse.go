package drive

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"
)

// Position is the drive's reported tape position.
type Position struct {
	Partition int   `json:"partition"`
	Block     int64 `json:"block"`
	Filemark  int64 `json:"filemark"`
	BOT       bool  `json:"bot"`
	EOD       bool  `json:"eod"`
}

// PartitionInfo is the cartridge's partition layout as reported by qrypart.
type PartitionInfo struct {
	ActivePartition   int     `json:"active_partition"`
	AdditionalDefined int     `json:"additional_defined"`
	PartitionSizes    []int64 `json:"partition_sizes"`
	HasPartitions     bool    `json:"has_partitions"`
}

// Usage carries the cartridge usage counters reported by tapeusage plus
// the derived health score.
type Usage struct {
	WriteRetries     int   `json:"write_retries"`
	ReadRetries      int   `json:"read_retries"`
	WriteFatalSusp   int   `json:"write_fatal_suspends"`
	ReadFatalSusp    int   `json:"read_fatal_suspends"`
	WriteUnrecovered int   `json:"write_unrecovered_errors"`
	ReadUnrecovered  int   `json:"read_unrecovered_errors"`
	WriteSuspends    int   `json:"write_suspends"`
	ReadSuspends     int   `json:"read_suspends"`
	LoadCount        int   `json:"load_count"`
	MegabytesWritten int64 `json:"megabytes_written"`
	MegabytesRead    int64 `json:"megabytes_read"`
	HealthScore      int   `json:"health_score"`
	IsFormatted      bool  `json:"is_formatted"`
}

// DeviceRecord is one tape device discovered by a device scan.
type DeviceRecord struct {
	Path       string `json:"path"`
	Vendor     string `json:"vendor"`
	Model      string `json:"model"`
	Generation string `json:"generation"`
	Serial     string `json:"serial"`
	Status     string `json:"status"`
}

var (
	numberRe = regexp.MustCompile(`(\d+)`)

	// #0 /dev/nst0: - [ULT3580-TD6]-[LTO-6] S/N:1013000508 ...
	scanRecordRe = regexp.MustCompile(`#\d+\s+(\S+?):?\s+-\s+\[([^\]]+)\](?:-\[([^\]]*)\])?\s+S/N:(\S+)`)

	// Bare device nodes with no structured record around them.
	bareDeviceRe = regexp.MustCompile(`(\\\\\.\\tape\d+|/dev/n?st\d+)`)
)

func lineNumber(line string) (int64, bool) {
	m := numberRe.FindString(line)
	if m == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(m, 10, 64)
	return n, err == nil
}

// parsePosition extracts the position fields from qrypos output. Lines are
// matched case-insensitively on their leading keyword.
func parsePosition(output string) (*Position, error) {
	pos := &Position{}
	found := false
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lower := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lower, "partition"):
			if n, ok := lineNumber(line); ok {
				pos.Partition = int(n)
				found = true
			}
		case strings.Contains(lower, "block"):
			if n, ok := lineNumber(line); ok {
				pos.Block = n
				found = true
			}
		case strings.Contains(lower, "filemark") || strings.Contains(lower, "file number"):
			if n, ok := lineNumber(line); ok {
				pos.Filemark = n
				found = true
			}
		case strings.Contains(lower, "bot"):
			pos.BOT = flagValue(lower)
		case strings.Contains(lower, "eod"):
			pos.EOD = flagValue(lower)
		}
	}
	if !found {
		return nil, ErrDriverProtocol
	}
	return pos, nil
}

// flagValue interprets a "keyword: yes/no" line. A bare keyword with no
// value side counts as set; "BOT: no" does not.
func flagValue(lower string) bool {
	_, value, ok := strings.Cut(lower, ":")
	if !ok {
		_, value, ok = strings.Cut(lower, "=")
	}
	if !ok {
		return true
	}
	switch strings.TrimSpace(value) {
	case "yes", "true", "1", "set":
		return true
	}
	return false
}

// parsePartitionInfo extracts the partition layout from qrypart output.
func parsePartitionInfo(output string) *PartitionInfo {
	info := &PartitionInfo{}
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lower := strings.ToLower(line)
		switch {
		case strings.Contains(lower, "active partition"):
			if n, ok := lineNumber(line); ok {
				info.ActivePartition = int(n)
			}
		case strings.Contains(lower, "additional partition"):
			if n, ok := lineNumber(line); ok {
				info.AdditionalDefined = int(n)
			}
		case strings.HasPrefix(lower, "partition") && strings.Contains(lower, "size"):
			if _, value, ok := strings.Cut(line, ":"); ok {
				if n, ok := lineNumber(value); ok {
					info.PartitionSizes = append(info.PartitionSizes, n)
				}
			}
		}
	}
	info.HasPartitions = info.AdditionalDefined > 0
	return info
}

// usageFields maps tapeusage line keywords to counter destinations. The
// first matching entry wins, so compound keywords come before plain ones.
func parseUsage(output string) *Usage {
	u := &Usage{}
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		n, hasNum := lineNumber(value)
		if !hasNum {
			continue
		}
		lower := strings.ToLower(key)
		switch {
		case strings.Contains(lower, "write") && strings.Contains(lower, "fatal"):
			u.WriteFatalSusp = int(n)
		case strings.Contains(lower, "read") && strings.Contains(lower, "fatal"):
			u.ReadFatalSusp = int(n)
		case strings.Contains(lower, "write") && strings.Contains(lower, "unrecover"):
			u.WriteUnrecovered = int(n)
		case strings.Contains(lower, "read") && strings.Contains(lower, "unrecover"):
			u.ReadUnrecovered = int(n)
		case strings.Contains(lower, "write") && strings.Contains(lower, "suspend"):
			u.WriteSuspends = int(n)
		case strings.Contains(lower, "read") && strings.Contains(lower, "suspend"):
			u.ReadSuspends = int(n)
		case strings.Contains(lower, "write") && strings.Contains(lower, "retr"):
			u.WriteRetries = int(n)
		case strings.Contains(lower, "read") && strings.Contains(lower, "retr"):
			u.ReadRetries = int(n)
		case strings.Contains(lower, "load"):
			u.LoadCount = int(n)
		case strings.Contains(lower, "written"):
			u.MegabytesWritten = n
		case strings.Contains(lower, "read"):
			u.MegabytesRead = n
		}
		if strings.Contains(strings.ToLower(line), "formatted") &&
			strings.Contains(strings.ToLower(value), "yes") {
			u.IsFormatted = true
		}
	}
	return u
}

// healthScore grades a cartridge from its error counters: fatal suspends
// cost 10 points each, unrecovered errors 5, suspended operations 2, and
// retries up to 10 points combined. The result is clamped to [0,100].
func healthScore(u *Usage) int {
	score := 100
	score -= 10 * (u.WriteFatalSusp + u.ReadFatalSusp)
	score -= 5 * (u.WriteUnrecovered + u.ReadUnrecovered)
	score -= 2 * (u.WriteSuspends + u.ReadSuspends)

	retryPenalty := u.WriteRetries + u.ReadRetries
	if retryPenalty > 10 {
		retryPenalty = 10
	}
	score -= retryPenalty

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

// ParseDeviceScan extracts device records from scan output. Structured
// records are parsed in full; bare device nodes that appear outside a
// structured record still yield a minimal entry.
func ParseDeviceScan(output string) []DeviceRecord {
	var records []DeviceRecord
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()

		if m := scanRecordRe.FindStringSubmatch(line); m != nil {
			path := NormalizeDevicePath(m[1])
			if seen[path] {
				continue
			}
			seen[path] = true
			rec := DeviceRecord{
				Path:       path,
				Model:      strings.TrimSpace(m[2]),
				Generation: strings.TrimSpace(m[3]),
				Serial:     strings.TrimSpace(m[4]),
				Status:     "detected",
			}
			if rec.Generation == "" {
				rec.Generation = generationFromModel(rec.Model)
			}
			records = append(records, rec)
			continue
		}

		for _, node := range bareDeviceRe.FindAllString(line, -1) {
			path := NormalizeDevicePath(node)
			if seen[path] {
				continue
			}
			seen[path] = true
			records = append(records, DeviceRecord{
				Path:   path,
				Status: "detected",
			})
		}
	}
	return records
}

// generationFromModel guesses the LTO generation from common drive model
// suffixes such as ULT3580-TD6.
func generationFromModel(model string) string {
	upper := strings.ToUpper(model)
	if i := strings.Index(upper, "TD"); i >= 0 && i+2 < len(upper) {
		if c := upper[i+2]; c >= '1' && c <= '9' {
			return "LTO-" + string(c)
		}
	}
	if i := strings.Index(upper, "HH"); i >= 0 && i+2 < len(upper) {
		if c := upper[i+2]; c >= '1' && c <= '9' {
			return "LTO-" + string(c)
		}
	}
	return ""
}
