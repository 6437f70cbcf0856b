package drive

import (
	"strings"
	"testing"
)

func TestParseDeviceScan(t *testing.T) {
	t.Run("structured records", func(t *testing.T) {
		output := `Scanning SCSI bus ...
#0 /dev/nst0: - [ULT3580-TD6]-[LTO-6] S/N:1013000508 HBA:ahci
#1 /dev/nst1: - [ULT3580-HH7]-[] S/N:9A700L0077 HBA:mpt3sas
`
		records := ParseDeviceScan(output)
		if len(records) != 2 {
			t.Fatalf("expected 2 records, got %d", len(records))
		}
		first := records[0]
		if first.Path != "/dev/nst0" || first.Model != "ULT3580-TD6" || first.Serial != "1013000508" {
			t.Errorf("first record wrong: %+v", first)
		}
		if first.Generation != "LTO-6" {
			t.Errorf("expected generation from record, got %q", first.Generation)
		}
		// Missing generation field falls back to the model suffix.
		if records[1].Generation != "LTO-7" {
			t.Errorf("expected LTO-7 derived from HH7, got %q", records[1].Generation)
		}
	})

	t.Run("bare device nodes", func(t *testing.T) {
		output := "found \\\\.\\tape0 and /dev/nst2 during probe\n"
		records := ParseDeviceScan(output)
		if len(records) != 2 {
			t.Fatalf("expected 2 minimal records, got %d", len(records))
		}
		if records[0].Path != `\\.\tape0` {
			t.Errorf("unexpected UNC path: %q", records[0].Path)
		}
		if records[1].Path != "/dev/nst2" {
			t.Errorf("unexpected node: %q", records[1].Path)
		}
		if records[0].Model != "" || records[0].Serial != "" {
			t.Error("bare record should carry no model or serial")
		}
	})

	t.Run("duplicates collapse", func(t *testing.T) {
		output := `#0 /dev/nst0: - [ULT3580-TD6]-[LTO-6] S/N:AAA
also visible as /dev/nst0
`
		records := ParseDeviceScan(output)
		if len(records) != 1 {
			t.Fatalf("expected 1 record, got %d", len(records))
		}
	})

	t.Run("empty output", func(t *testing.T) {
		if records := ParseDeviceScan(""); len(records) != 0 {
			t.Errorf("expected no records, got %d", len(records))
		}
	})
}

func TestNormalizeDevicePath(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"/dev/nst0", "/dev/nst0"},
		{"/dev/nst0:", "/dev/nst0"},
		{"tape0", `\\.\tape0`},
		{"  /dev/nst1  ", "/dev/nst1"},
		{"", ""},
	}
	for _, c := range cases {
		if got := NormalizeDevicePath(c.in); got != c.want {
			t.Errorf("NormalizeDevicePath(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestParsePosition(t *testing.T) {
	output := `Partition: 0
Block ID: 124567
Filemark count: 3
`
	pos, err := parsePosition(output)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos.Partition != 0 || pos.Block != 124567 || pos.Filemark != 3 {
		t.Errorf("position wrong: %+v", pos)
	}

	if _, err := parsePosition("garbage with no fields"); err == nil {
		t.Error("expected protocol error on unusable output")
	}
}

func TestParsePositionFlags(t *testing.T) {
	pos, err := parsePosition(`Block ID: 0
BOT: yes
EOD: no
`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !pos.BOT {
		t.Error("expected BOT set")
	}
	if pos.EOD {
		t.Error("EOD: no must not set the flag")
	}

	// A bare keyword line with no value side counts as set.
	pos, err = parsePosition(`Block ID: 7
Position at EOD
`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !pos.EOD {
		t.Error("expected EOD set from bare keyword")
	}
}

func TestParsePartitionInfo(t *testing.T) {
	output := `Active partition: 0
Number of additional partitions defined: 1
Partition 0 size: 95367
Partition 1 size: 1428
`
	info := parsePartitionInfo(output)
	if info.ActivePartition != 0 || info.AdditionalDefined != 1 {
		t.Errorf("partition counts wrong: %+v", info)
	}
	if !info.HasPartitions {
		t.Error("additional partitions should mark the cartridge formatted")
	}
	if len(info.PartitionSizes) != 2 || info.PartitionSizes[1] != 1428 {
		t.Errorf("partition sizes wrong: %v", info.PartitionSizes)
	}

	blank := parsePartitionInfo("Active partition: 0\nNumber of additional partitions defined: 0\n")
	if blank.HasPartitions {
		t.Error("no additional partitions means unformatted")
	}
}

func TestParseUsageAndHealthScore(t *testing.T) {
	t.Run("clean cartridge", func(t *testing.T) {
		u := parseUsage(`Total write retries: 0
Total read retries: 0
Load count: 12
Megabytes written: 480000
`)
		if got := healthScore(u); got != 100 {
			t.Errorf("clean cartridge should score 100, got %d", got)
		}
		if u.LoadCount != 12 || u.MegabytesWritten != 480000 {
			t.Errorf("counters wrong: %+v", u)
		}
	})

	t.Run("penalties accumulate", func(t *testing.T) {
		u := &Usage{
			WriteFatalSusp:  1, // -10
			ReadUnrecovered: 2, // -10
			WriteSuspends:   3, // -6
			WriteRetries:    4,
			ReadRetries:     3, // retries combined -7
		}
		if got := healthScore(u); got != 67 {
			t.Errorf("expected 67, got %d", got)
		}
	})

	t.Run("retry penalty caps at 10", func(t *testing.T) {
		u := &Usage{WriteRetries: 500, ReadRetries: 500}
		if got := healthScore(u); got != 90 {
			t.Errorf("expected 90 with capped retries, got %d", got)
		}
	})

	t.Run("score clamps at zero", func(t *testing.T) {
		u := &Usage{WriteFatalSusp: 20}
		if got := healthScore(u); got != 0 {
			t.Errorf("expected clamp to 0, got %d", got)
		}
	})

	t.Run("formatted flag", func(t *testing.T) {
		u := parseUsage("Volume formatted: yes 1\n")
		if !u.IsFormatted {
			t.Error("expected formatted flag set")
		}
	})
}

func TestDecodeLabelBlock(t *testing.T) {
	t.Run("valid block", func(t *testing.T) {
		payload := `{"tape_id":"TP20250801","label":"TP20250801","serial_number":"SN1"}`
		block := append([]byte(payload), make([]byte, 64)...)
		label := DecodeLabelBlock(block)
		if label == nil {
			t.Fatal("expected label")
		}
		if label.TapeID != "TP20250801" || label.SerialNumber != "SN1" {
			t.Errorf("label wrong: %+v", label)
		}
	})

	t.Run("raw data is not a label", func(t *testing.T) {
		if DecodeLabelBlock([]byte(strings.Repeat("\xde\xad", 100))) != nil {
			t.Error("binary garbage must not decode")
		}
		if DecodeLabelBlock([]byte(`{"label":"no tape id"}`)) != nil {
			t.Error("label without tape_id must not decode")
		}
	})
}
