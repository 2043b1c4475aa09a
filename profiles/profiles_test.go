package profiles

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sergev/mmc/mmc"
)

func TestNames(t *testing.T) {
	want := []string{"inand8g", "mmc128m", "movinand16g"}
	if diff := cmp.Diff(want, Names()); diff != "" {
		t.Errorf("Names() mismatch (-want +got):\n%s", diff)
	}
}

func TestProfilesDecode(t *testing.T) {
	tests := []struct {
		name    string
		manfid  uint8
		prod    string
		spec    uint8
		sectors uint32
	}{
		{"movinand16g", mmc.MANFID_SAMSUNG, "KYL00M", 4, 30777344},
		{"inand8g", 0x45, "SEM08G", 4, 15523840},
		{"mmc128m", mmc.MANFID_SANDISK, "SDM128", 3, 0},
	}
	for _, tt := range tests {
		p, err := GetProfile(tt.name)
		if err != nil {
			t.Fatalf("GetProfile(%q): %v", tt.name, err)
		}

		cid := mmc.DecodeCID(p.CID)
		if cid.ManfID != tt.manfid || cid.ProdName != tt.prod {
			t.Errorf("%s: CID %v", tt.name, cid)
		}

		csd, err := mmc.DecodeCSD(p.CSD)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if csd.SpecVersion != tt.spec {
			t.Errorf("%s: spec version %d, want %d", tt.name, csd.SpecVersion, tt.spec)
		}

		if tt.spec < 4 {
			if p.ExtCSD != nil {
				t.Errorf("%s: unexpected EXT_CSD", tt.name)
			}
			if csd.Capacity != 262144 {
				t.Errorf("%s: capacity %d blocks, want 262144", tt.name, csd.Capacity)
			}
			continue
		}
		ext, err := mmc.DecodeExtCSD(p.ExtCSD)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if ext.Sectors != tt.sectors {
			t.Errorf("%s: %d sectors, want %d", tt.name, ext.Sectors, tt.sectors)
		}
	}
}

func TestImageRoundTrip(t *testing.T) {
	data, err := GetImage("movinand16g")
	if err != nil {
		t.Fatal(err)
	}
	p, err := Parse("movinand16g", data)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(data, p.Image()); diff != "" {
		t.Errorf("Image() mismatch (-want +got):\n%s", diff)
	}
}

func TestGetProfileErrors(t *testing.T) {
	if _, err := GetProfile("sdxc64g"); err == nil {
		t.Error("unknown profile accepted")
	}
	if _, err := Parse("short", make([]byte, 40)); err == nil {
		t.Error("40 byte image accepted")
	}
}
