package instrument

import "testing"

func TestPackUnpackOutputFormatRoundTrip(t *testing.T) {
	for _, format := range []OutputFormat{Distributive, Cumulative} {
		for addup := uint16(0); addup <= 63; addup++ {
			raw := packOutputFormat(format, addup)
			gotFormat, gotAddup := unpackOutputFormat(raw)
			if gotFormat != format || gotAddup != addup {
				t.Errorf("round trip format=%v addup=%d: got format=%v addup=%d (raw=%#04x)",
					format, addup, gotFormat, gotAddup, raw)
			}
		}
	}
}

func TestPackOutputFormatLayout(t *testing.T) {
	// (addupCount << 2) | (outputFormat & 1).
	got := packOutputFormat(Cumulative, 5)
	want := uint16(5<<2) | 1
	if got != want {
		t.Errorf("packOutputFormat(Cumulative, 5) = %#04x, want %#04x", got, want)
	}
}

func TestDecodeStatus(t *testing.T) {
	s := decodeStatus(0b1011)
	if !s.Active || !s.Sampling || s.Rinsing || !s.DataReady {
		t.Errorf("decodeStatus(0b1011) = %+v", s)
	}
}

func TestDecodeErrorBits(t *testing.T) {
	// bit 8 unused, bit 9 is flow.
	raw := uint16(1<<0 | 1<<7 | 1<<9)
	e := decodeError(raw)
	if !e.Temperature || !e.Laser || !e.Flow {
		t.Errorf("decodeError(%#04x) = %+v, want temperature/laser/flow set", raw, e)
	}
	if e.SDCard || e.Counter || e.Acquisition || e.Remote || e.Filter || e.DetectorLoop {
		t.Errorf("decodeError(%#04x) = %+v, unexpected bit set", raw, e)
	}
}

func TestErrorRegisterNonZero(t *testing.T) {
	if (ErrorRegister{}).NonZero() {
		t.Error("zero-value ErrorRegister should not be NonZero")
	}
	if !(ErrorRegister{Flow: true}).NonZero() {
		t.Error("ErrorRegister with Flow set should be NonZero")
	}
}

func TestDecodeRegisterString(t *testing.T) {
	words := []uint16{'A', 'B', 'C', 0, 0, 0}
	if got := decodeRegisterString(words); got != "ABC" {
		t.Errorf("decodeRegisterString = %q, want %q", got, "ABC")
	}
}

func TestDecodeRegistersetVersion(t *testing.T) {
	if got := decodeRegistersetVersion(103); got != "1.3" {
		t.Errorf("decodeRegistersetVersion(103) = %q, want %q", got, "1.3")
	}
}

func TestDecodeClockWords(t *testing.T) {
	// seconds, minutes, hours, day, month, year-2000
	words := []uint16{30, 15, 10, 1, 3, 24}
	got := decodeClockWords(words)
	want := "2024-03-01T10:15:30Z"
	if got.Format("2006-01-02T15:04:05Z") != want {
		t.Errorf("decodeClockWords = %v, want %v", got, want)
	}
}

func TestEncodeClockWordsRoundTrip(t *testing.T) {
	t0 := decodeClockWords([]uint16{30, 15, 10, 1, 3, 24})
	words := encodeClockWords(t0)
	got := decodeClockWords(words[:])
	if !got.Equal(t0) {
		t.Errorf("round trip: got %v, want %v", got, t0)
	}
}

func TestDecodeChannelsOrderAndCount(t *testing.T) {
	words := make([]uint16, 24)
	words[0], words[1], words[2] = 1, 0x1234, 0x0001 // channel 1
	channels := decodeChannels(words)
	if channels[0].Channel != 1 {
		t.Errorf("channels[0].Channel = %d, want 1", channels[0].Channel)
	}
	if channels[0].Status != ChannelOK {
		t.Errorf("channels[0].Status = %v, want ChannelOK", channels[0].Status)
	}
	if channels[0].Count != 0x00011234 {
		t.Errorf("channels[0].Count = %#x, want %#x", channels[0].Count, 0x00011234)
	}
	for i := range channels {
		if channels[i].Channel != i+1 {
			t.Errorf("channels[%d].Channel = %d, want %d", i, channels[i].Channel, i+1)
		}
	}
}

func TestIsArchiveSentinel(t *testing.T) {
	archive := ArchiveDataset{}
	archive.Channels[0] = ChannelData{Channel: 1, Count: sentinelArchiveCount}
	if !isArchiveSentinel(archive) {
		t.Error("expected sentinel archive to be detected")
	}
	archive.Channels[0].Count = 42
	if isArchiveSentinel(archive) {
		t.Error("non-sentinel archive incorrectly flagged")
	}
}
