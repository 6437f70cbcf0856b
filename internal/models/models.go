package models

import (
	"encoding/json"
	"strings"
	"time"
)

// TaskType represents the kind of backup a task performs
type TaskType string

const (
	TaskTypeFull         TaskType = "full"
	TaskTypeIncremental  TaskType = "incremental"
	TaskTypeDifferential TaskType = "differential"
	TaskTypeMonthlyFull  TaskType = "monthly_full"
)

// TaskStatus represents the execution status of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// ScanStatus represents the pipeline stage a running task is in
type ScanStatus string

const (
	ScanStatusNone        ScanStatus = "none"
	ScanStatusScanning    ScanStatus = "scanning"
	ScanStatusCompressing ScanStatus = "compressing"
	ScanStatusCopying     ScanStatus = "copying"
	ScanStatusFinalizing  ScanStatus = "finalizing"
	ScanStatusFailed      ScanStatus = "failed"
	ScanStatusCancelled   ScanStatus = "cancelled"
)

// ResultSummary holds the per-run outcome written into backup_tasks.result_summary
type ResultSummary struct {
	EstimatedArchiveCount int      `json:"estimated_archive_count"`
	TotalScannedBytes     int64    `json:"total_scanned_bytes"`
	CompressionRatio      float64  `json:"compression_ratio"`
	Errors                []string `json:"errors,omitempty"`
}

// Task represents a planned or running backup execution. A task with
// IsTemplate=true is never executed; executions are created by cloning it.
type Task struct {
	ID                 int64      `json:"id" db:"id"`
	TaskName           string     `json:"task_name" db:"task_name"`
	TaskType           TaskType   `json:"task_type" db:"task_type"`
	SourcePaths        []string   `json:"source_paths" db:"source_paths"`
	ExcludePatterns    []string   `json:"exclude_patterns" db:"exclude_patterns"`
	Status             TaskStatus `json:"status" db:"status"`
	ScanStatus         ScanStatus `json:"scan_status" db:"scan_status"`
	ProgressPercent    float64    `json:"progress_percent" db:"progress_percent"`
	TotalFiles         int64      `json:"total_files" db:"total_files"`
	ProcessedFiles     int64      `json:"processed_files" db:"processed_files"`
	TotalBytes         int64      `json:"total_bytes" db:"total_bytes"`
	ProcessedBytes     int64      `json:"processed_bytes" db:"processed_bytes"`
	CompressedBytes    int64      `json:"compressed_bytes" db:"compressed_bytes"`
	ResultSummary      string     `json:"result_summary" db:"result_summary"` // JSON
	TapeDevice         string     `json:"tape_device" db:"tape_device"`
	IsTemplate         bool       `json:"is_template" db:"is_template"`
	Description        string     `json:"description" db:"description"`
	RetentionDays      int        `json:"retention_days" db:"retention_days"`
	CompressionEnabled bool       `json:"compression_enabled" db:"compression_enabled"`
	EncryptionEnabled  bool       `json:"encryption_enabled" db:"encryption_enabled"`
	EnableSimpleScan   bool       `json:"enable_simple_scan" db:"enable_simple_scan"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	StartedAt          *time.Time `json:"started_at" db:"started_at"`
	CompletedAt        *time.Time `json:"completed_at" db:"completed_at"`
	ErrorMessage       string     `json:"error_message" db:"error_message"`
	BackupFilesGroupID *int64     `json:"backup_files_group_id" db:"backup_files_group_id"`
	BackupFilesTable   string     `json:"backup_files_table" db:"backup_files_table"`
}

// IsTerminal reports whether the task status is a terminal state.
// Executions are immutable once terminal.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Summary decodes the task's result_summary JSON. A missing or malformed
// summary yields the zero value.
func (t *Task) Summary() ResultSummary {
	var rs ResultSummary
	if t.ResultSummary != "" {
		json.Unmarshal([]byte(t.ResultSummary), &rs)
	}
	return rs
}

// FileRecord is one row of a task's physical inventory table
// (backup_files_<taskid>). IsCopySuccess is tri-valued: nil means the file
// has not been handed to the tape stage yet.
type FileRecord struct {
	ID            int64      `json:"id" db:"id"`
	BackupSetID   int64      `json:"backup_set_id" db:"backup_set_id"`
	FilePath      string     `json:"file_path" db:"file_path"`
	FileSize      int64      `json:"file_size" db:"file_size"`
	MTime         time.Time  `json:"mtime" db:"mtime"`
	IsCopySuccess *bool      `json:"is_copy_success" db:"is_copy_success"`
	CopyStatusAt  *time.Time `json:"copy_status_at" db:"copy_status_at"`
	ArchiveID     *int64     `json:"archive_id" db:"archive_id"`
	UpdatedAt     *time.Time `json:"updated_at" db:"updated_at"`
}

// CartridgeStatus represents the lifecycle state of a tape cartridge
type CartridgeStatus string

const (
	CartridgeStatusNew         CartridgeStatus = "new"
	CartridgeStatusAvailable   CartridgeStatus = "available"
	CartridgeStatusInUse       CartridgeStatus = "in_use"
	CartridgeStatusFull        CartridgeStatus = "full"
	CartridgeStatusExpired     CartridgeStatus = "expired"
	CartridgeStatusError       CartridgeStatus = "error"
	CartridgeStatusMaintenance CartridgeStatus = "maintenance"
	CartridgeStatusRetired     CartridgeStatus = "retired"
)

// cartridgeTransitions enumerates the legal lifecycle edges. Transitions
// not listed here must be rejected, never coerced.
var cartridgeTransitions = map[CartridgeStatus][]CartridgeStatus{
	CartridgeStatusNew:         {CartridgeStatusAvailable, CartridgeStatusError, CartridgeStatusRetired},
	CartridgeStatusAvailable:   {CartridgeStatusInUse, CartridgeStatusExpired, CartridgeStatusError, CartridgeStatusMaintenance, CartridgeStatusRetired},
	CartridgeStatusInUse:       {CartridgeStatusFull, CartridgeStatusAvailable, CartridgeStatusError, CartridgeStatusExpired},
	CartridgeStatusFull:        {CartridgeStatusExpired, CartridgeStatusAvailable, CartridgeStatusError, CartridgeStatusRetired},
	CartridgeStatusExpired:     {CartridgeStatusAvailable, CartridgeStatusRetired, CartridgeStatusError},
	CartridgeStatusError:       {CartridgeStatusMaintenance, CartridgeStatusRetired, CartridgeStatusAvailable},
	CartridgeStatusMaintenance: {CartridgeStatusAvailable, CartridgeStatusRetired, CartridgeStatusError},
	CartridgeStatusRetired:     {},
}

// CanTransition reports whether a cartridge may move from its current
// status to the target status.
func (s CartridgeStatus) CanTransition(to CartridgeStatus) bool {
	if s == to {
		return true
	}
	for _, t := range cartridgeTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// LTOCapacities maps LTO generation to native capacity in bytes
var LTOCapacities = map[string]int64{
	"LTO-1":  100000000000,   // 100 GB
	"LTO-2":  200000000000,   // 200 GB
	"LTO-3":  400000000000,   // 400 GB
	"LTO-4":  800000000000,   // 800 GB
	"LTO-5":  1500000000000,  // 1.5 TB
	"LTO-6":  2500000000000,  // 2.5 TB
	"LTO-7":  6000000000000,  // 6 TB
	"LTO-8":  12000000000000, // 12 TB
	"LTO-9":  18000000000000, // 18 TB
	"LTO-10": 36000000000000, // 36 TB (expected)
}

// fullThreshold is the usage fraction at which a cartridge counts as full
// even when used_bytes has not reached the raw capacity.
const fullThreshold = 0.95

// TapeCartridge represents one physical tape and its catalog metadata.
// TapeID is the uppercase alphanumeric label that keys the catalog row.
type TapeCartridge struct {
	TapeID           string          `json:"tape_id" db:"tape_id"`
	Label            string          `json:"label" db:"label"`
	Status           CartridgeStatus `json:"status" db:"status"`
	MediaType        string          `json:"media_type" db:"media_type"`
	Generation       string          `json:"generation" db:"generation"`
	SerialNumber     string          `json:"serial_number" db:"serial_number"`
	Manufacturer     string          `json:"manufacturer" db:"manufacturer"`
	Location         string          `json:"location" db:"location"`
	CapacityBytes    int64           `json:"capacity_bytes" db:"capacity_bytes"`
	UsedBytes        int64           `json:"used_bytes" db:"used_bytes"`
	RetentionMonths  int             `json:"retention_months" db:"retention_months"`
	Notes            string          `json:"notes" db:"notes"`
	ManufacturedDate *time.Time      `json:"manufactured_date" db:"manufactured_date"`
	CreatedDate      *time.Time      `json:"created_date" db:"created_date"`
	FirstUseDate     *time.Time      `json:"first_use_date" db:"first_use_date"`
	ExpiryDate       *time.Time      `json:"expiry_date" db:"expiry_date"`
	LastUsedDate     *time.Time      `json:"last_used_date" db:"last_used_date"`
	LastEraseDate    *time.Time      `json:"last_erase_date" db:"last_erase_date"`
	AutoErase        bool            `json:"auto_erase" db:"auto_erase"`
	HealthScore      int             `json:"health_score" db:"health_score"`
	ErrorCount       int             `json:"error_count" db:"error_count"`
	WarningCount     int             `json:"warning_count" db:"warning_count"`
	WriteCount       int             `json:"write_count" db:"write_count"`
	ReadCount        int             `json:"read_count" db:"read_count"`
	LoadCount        int             `json:"load_count" db:"load_count"`
	PassCount        int             `json:"pass_count" db:"pass_count"`
	BackupGroup      string          `json:"backup_group" db:"backup_group"`
	BackupSetCount   int             `json:"backup_set_count" db:"backup_set_count"`
}

// FreeBytes returns the remaining capacity, never negative.
func (c *TapeCartridge) FreeBytes() int64 {
	free := c.CapacityBytes - c.UsedBytes
	if free < 0 {
		return 0
	}
	return free
}

// IsFull reports whether the cartridge should be treated as full: either
// the raw capacity is exhausted or usage has crossed the 95% threshold.
func (c *TapeCartridge) IsFull() bool {
	if c.CapacityBytes <= 0 {
		return false
	}
	if c.UsedBytes >= c.CapacityBytes {
		return true
	}
	return float64(c.UsedBytes) >= fullThreshold*float64(c.CapacityBytes)
}

// IsExpired reports whether the cartridge retention window has lapsed.
// The comparison is year/month granular: a tape expiring 2025-10-15 is
// expired on every day of October 2025, and not expired on 2025-09-30.
func (c *TapeCartridge) IsExpired(now time.Time) bool {
	if c.ExpiryDate == nil {
		return false
	}
	ey, em, _ := c.ExpiryDate.Date()
	ny, nm, _ := now.Date()
	if ny != ey {
		return ny > ey
	}
	return nm >= em
}

// BackupSet represents the materialized output of one task execution,
// referenced by archive files under final/<set_id>/.
type BackupSet struct {
	ID           int64      `json:"id" db:"id"`
	TaskID       int64      `json:"task_id" db:"task_id"`
	TapeID       string     `json:"tape_id" db:"tape_id"`
	ArchivePath  string     `json:"archive_path" db:"archive_path"`
	ArchiveBytes int64      `json:"archive_bytes" db:"archive_bytes"`
	FileCount    int64      `json:"file_count" db:"file_count"`
	TotalBytes   int64      `json:"total_bytes" db:"total_bytes"`
	Status       string     `json:"status" db:"status"`
	StartTime    time.Time  `json:"start_time" db:"start_time"`
	EndTime      *time.Time `json:"end_time" db:"end_time"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

// OperationStage is the canonical stage code derived from a task description
type OperationStage string

const (
	StageScan      OperationStage = "scan"
	StageCompress  OperationStage = "compress"
	StageCopy      OperationStage = "copy"
	StageFinalize  OperationStage = "finalize"
	StageFormat    OperationStage = "format"
	StageWaiting   OperationStage = "waiting"
	StageCancelled OperationStage = "cancelled"
	StageFailed    OperationStage = "failed"
)

// stageKeywords maps description keywords to canonical stage codes.
// Order matters: the first matching entry wins, so the more specific
// tags come before the generic ones.
var stageKeywords = []struct {
	keyword string
	stage   OperationStage
}{
	{"已取消", StageCancelled},
	{"取消", StageCancelled},
	{"cancelled", StageCancelled},
	{"失败", StageFailed},
	{"failed", StageFailed},
	{"格式化", StageFormat},
	{"format", StageFormat},
	{"扫描", StageScan},
	{"scan", StageScan},
	{"压缩", StageCompress},
	{"compress", StageCompress},
	{"拷贝", StageCopy},
	{"复制", StageCopy},
	{"写入磁带", StageCopy},
	{"copy", StageCopy},
	{"收尾", StageFinalize},
	{"完成处理", StageFinalize},
	{"finaliz", StageFinalize},
	{"等待", StageWaiting},
	{"waiting", StageWaiting},
}

// StageFromDescription derives the canonical operation stage from the last
// bracketed tag in a task description. Descriptions without a recognizable
// tag map to StageWaiting.
func StageFromDescription(description string) OperationStage {
	tag := description
	// The latest stage tag is the last bracketed segment.
	if i := strings.LastIndex(description, "["); i >= 0 {
		tag = description[i:]
	}
	lower := strings.ToLower(tag)
	for _, sk := range stageKeywords {
		if strings.Contains(lower, sk.keyword) {
			return sk.stage
		}
	}
	return StageWaiting
}
