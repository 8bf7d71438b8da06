package partops

import "testing"

func TestValidateLabelFat32Rules(t *testing.T) {
	if err := ValidateLabel("fat32", "GOOD_LABEL"); err != nil {
		t.Errorf("expected valid label to pass, got %v", err)
	}
	if err := ValidateLabel("fat32", "too-long-label-here"); err == nil {
		t.Errorf("expected label-too-long error")
	}
	if err := ValidateLabel("fat32", "lowercase"); err == nil {
		t.Errorf("expected lowercase label to be rejected for fat32")
	}
}

func TestValidateLabelExt4AllowsLowercase(t *testing.T) {
	if err := ValidateLabel("ext4", "my-data-volume"); err != nil {
		t.Errorf("expected ext4 label to pass, got %v", err)
	}
}

func TestGPTTypeCodeKnownAndUnknown(t *testing.T) {
	if code, err := GPTTypeCode("ext4"); err != nil || code != "8300" {
		t.Errorf("unexpected GPT type code for ext4: %q %v", code, err)
	}
	if _, err := GPTTypeCode("made-up-fs"); err == nil {
		t.Errorf("expected error for unknown filesystem")
	}
}

func TestDriverForMkfsCommand(t *testing.T) {
	d, ok := DriverFor("ext4")
	if !ok {
		t.Fatalf("expected ext4 driver")
	}
	cmd, ok := d.MkfsCommand("/dev/sdb1", "DATA")
	if !ok || cmd.Binary != "mkfs.ext4" {
		t.Errorf("unexpected mkfs command: %+v", cmd)
	}
}
