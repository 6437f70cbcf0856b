package models

import (
	"testing"
	"time"
)

func date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestCartridgeIsExpiredYearMonth(t *testing.T) {
	c := &TapeCartridge{ExpiryDate: date(2025, time.October, 15)}

	cases := []struct {
		now     time.Time
		expired bool
	}{
		{time.Date(2025, time.September, 30, 23, 59, 0, 0, time.UTC), false},
		{time.Date(2025, time.October, 1, 0, 0, 0, 0, time.UTC), true},
		{time.Date(2025, time.October, 15, 0, 0, 0, 0, time.UTC), true},
		{time.Date(2025, time.October, 31, 0, 0, 0, 0, time.UTC), true},
		{time.Date(2025, time.November, 1, 0, 0, 0, 0, time.UTC), true},
		{time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC), true},
		{time.Date(2024, time.December, 31, 0, 0, 0, 0, time.UTC), false},
	}
	for _, tc := range cases {
		if got := c.IsExpired(tc.now); got != tc.expired {
			t.Errorf("IsExpired at %s = %v, want %v", tc.now, got, tc.expired)
		}
	}
}

func TestCartridgeIsExpiredNoDate(t *testing.T) {
	c := &TapeCartridge{}
	if c.IsExpired(time.Now()) {
		t.Error("cartridge without expiry date must not be expired")
	}
}

func TestCartridgeIsFull(t *testing.T) {
	c := &TapeCartridge{CapacityBytes: 1000}

	c.UsedBytes = 949
	if c.IsFull() {
		t.Error("94.9%% used should not be full")
	}
	c.UsedBytes = 950
	if !c.IsFull() {
		t.Error("95%% used should be full")
	}
	c.UsedBytes = 1000
	if !c.IsFull() {
		t.Error("at capacity should be full")
	}
	c.UsedBytes = 1200
	if !c.IsFull() {
		t.Error("over capacity should be full")
	}

	zero := &TapeCartridge{CapacityBytes: 0, UsedBytes: 10}
	if zero.IsFull() {
		t.Error("unknown capacity should never report full")
	}
}

func TestCartridgeFreeBytes(t *testing.T) {
	c := &TapeCartridge{CapacityBytes: 100, UsedBytes: 130}
	if got := c.FreeBytes(); got != 0 {
		t.Errorf("FreeBytes over capacity = %d, want 0", got)
	}
	c.UsedBytes = 40
	if got := c.FreeBytes(); got != 60 {
		t.Errorf("FreeBytes = %d, want 60", got)
	}
}

func TestCartridgeStatusTransitions(t *testing.T) {
	allowed := []struct{ from, to CartridgeStatus }{
		{CartridgeStatusNew, CartridgeStatusAvailable},
		{CartridgeStatusAvailable, CartridgeStatusInUse},
		{CartridgeStatusInUse, CartridgeStatusFull},
		{CartridgeStatusInUse, CartridgeStatusAvailable},
		{CartridgeStatusFull, CartridgeStatusExpired},
		{CartridgeStatusExpired, CartridgeStatusAvailable}, // after erase
		{CartridgeStatusExpired, CartridgeStatusRetired},
	}
	for _, tc := range allowed {
		if !tc.from.CanTransition(tc.to) {
			t.Errorf("%s -> %s should be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to CartridgeStatus }{
		{CartridgeStatusRetired, CartridgeStatusAvailable},
		{CartridgeStatusNew, CartridgeStatusFull},
		{CartridgeStatusAvailable, CartridgeStatusFull},
	}
	for _, tc := range denied {
		if tc.from.CanTransition(tc.to) {
			t.Errorf("%s -> %s should be rejected", tc.from, tc.to)
		}
	}

	// Self transition is always a no-op.
	if !CartridgeStatusInUse.CanTransition(CartridgeStatusInUse) {
		t.Error("self transition should be allowed")
	}
}

func TestTaskStatusIsTerminal(t *testing.T) {
	for _, s := range []TaskStatus{TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []TaskStatus{TaskStatusPending, TaskStatusRunning} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestStageFromDescription(t *testing.T) {
	cases := []struct {
		description string
		stage       OperationStage
	}{
		{"[压缩文件中] 814/1637 个文件 (49.7%)", StageCompress},
		{"[扫描目录] /data/share", StageScan},
		{"[拷贝到磁带] backup_12_0001.7z", StageCopy},
		{"[写入磁带] 2/3", StageCopy},
		{"[收尾处理]", StageFinalize},
		{"[格式化磁带] TP20251101", StageFormat},
		{"[已取消] 用户请求", StageCancelled},
		{"[失败] tape not ready", StageFailed},
		{"[等待磁带]", StageWaiting},
		{"", StageWaiting},
		{"no tag at all", StageWaiting},
		// The last bracketed tag wins over earlier ones.
		{"[扫描目录] done [压缩文件中] 1/10", StageCompress},
		// English fallbacks.
		{"[compressing] 5/10 files", StageCompress},
		{"[finalizing]", StageFinalize},
	}
	for _, tc := range cases {
		if got := StageFromDescription(tc.description); got != tc.stage {
			t.Errorf("StageFromDescription(%q) = %s, want %s", tc.description, got, tc.stage)
		}
	}
}

func TestResultSummaryRoundTrip(t *testing.T) {
	task := &Task{ResultSummary: `{"estimated_archive_count":3,"total_scanned_bytes":12345,"compression_ratio":0.42,"errors":["one"]}`}
	rs := task.Summary()
	if rs.EstimatedArchiveCount != 3 || rs.TotalScannedBytes != 12345 {
		t.Errorf("unexpected summary: %+v", rs)
	}
	if len(rs.Errors) != 1 || rs.Errors[0] != "one" {
		t.Errorf("unexpected errors: %v", rs.Errors)
	}

	empty := &Task{}
	if got := empty.Summary(); got.EstimatedArchiveCount != 0 {
		t.Errorf("empty summary should be zero value, got %+v", got)
	}
}

func TestLTOCapacities(t *testing.T) {
	if LTOCapacities["LTO-9"] != 18000000000000 {
		t.Errorf("unexpected LTO-9 capacity: %d", LTOCapacities["LTO-9"])
	}
}
