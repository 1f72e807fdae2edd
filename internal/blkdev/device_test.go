package blkdev

import "testing"

func TestMakeDeviceRoundTrip(t *testing.T) {
	d := MakeDevice(3, 5)
	if d.Major() != 3 || d.Minor() != 5 {
		t.Fatalf("MakeDevice: got major=%d minor=%d, want 3,5", d.Major(), d.Minor())
	}
	if got, want := d.String(), "(3,5)"; got != want {
		t.Fatalf("String: got %q, want %q", got, want)
	}
}

func TestPartitionOffsetWholeDiskAndPartitions(t *testing.T) {
	cases := []struct {
		minor         uint8
		wantDisk      int
		wantPartition int
	}{
		{0, 0, -1},
		{1, 0, 0},
		{4, 0, 3},
		{5, 1, -1},
		{6, 1, 0},
		{9, 1, 3},
		{10, -1, -1},
	}
	for _, c := range cases {
		disk, part := PartitionOffset(c.minor)
		if disk != c.wantDisk || part != c.wantPartition {
			t.Errorf("PartitionOffset(%d): got (%d,%d), want (%d,%d)", c.minor, disk, part, c.wantDisk, c.wantPartition)
		}
	}
}

func TestReadPartitionTableRejectsMissingSignature(t *testing.T) {
	sector := make([]byte, 512)
	if _, err := ReadPartitionTable(sector); err == nil {
		t.Fatalf("ReadPartitionTable: want error without the 0x55 0xAA signature")
	}
}

func TestReadPartitionTableDecodesEntries(t *testing.T) {
	sector := make([]byte, 512)
	sector[510] = 0x55
	sector[511] = 0xAA

	off := mbrTableOffset
	sector[off] = 0x80   // bootable
	sector[off+4] = 0x83 // Linux partition type
	sector[off+8] = 63   // start sector LSB
	sector[off+12] = 100 // sector count LSB

	entries, err := ReadPartitionTable(sector)
	if err != nil {
		t.Fatalf("ReadPartitionTable: %v", err)
	}
	if !entries[0].Bootable {
		t.Fatalf("entry 0: want bootable")
	}
	if entries[0].Type != 0x83 {
		t.Fatalf("entry 0: type = %#x, want 0x83", entries[0].Type)
	}
	if entries[0].StartSect != 63 || entries[0].NrSects != 100 {
		t.Fatalf("entry 0: got start=%d nrsects=%d, want 63,100", entries[0].StartSect, entries[0].NrSects)
	}
	for i := 1; i < 4; i++ {
		if entries[i].Bootable || entries[i].Type != 0 {
			t.Fatalf("entry %d: want zero entry, got %+v", i, entries[i])
		}
	}
}
