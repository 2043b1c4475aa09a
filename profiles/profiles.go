package profiles

import (
	"bytes"
	"compress/gzip"
	_ "embed"
	"fmt"
	"io"
	"sort"

	"github.com/sergev/mmc/mmc"
)

//go:embed movinand16g.regs.gz
var movinand16gRegsGz []byte

//go:embed inand8g.regs.gz
var inand8gRegsGz []byte

//go:embed mmc128m.regs.gz
var mmc128mRegsGz []byte

var profileMap = map[string][]byte{
	"movinand16g.regs.gz": movinand16gRegsGz,
	"inand8g.regs.gz":     inand8gRegsGz,
	"mmc128m.regs.gz":     mmc128mRegsGz,
}

// Profile holds the register contents of one card model.
// A register image is the CID and CSD in wire order, followed by the
// EXT_CSD for MMC 4.x cards.
type Profile struct {
	Name   string
	CID    mmc.Response
	CSD    mmc.Response
	ExtCSD []byte // nil before MMC 4.0
}

// Names returns the embedded profile names in sorted order.
func Names() []string {
	names := make([]string, 0, len(profileMap))
	for key := range profileMap {
		names = append(names, key[:len(key)-len(".regs.gz")])
	}
	sort.Strings(names)
	return names
}

// GetImage retrieves and decompresses the register image of a profile.
func GetImage(name string) ([]byte, error) {
	gzFilename := name + ".regs.gz"

	compressedData, ok := profileMap[gzFilename]
	if !ok {
		return nil, fmt.Errorf("embedded profile not found: %s (looked for %s)", name, gzFilename)
	}

	gzReader, err := gzip.NewReader(bytes.NewReader(compressedData))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader for %s: %w", name, err)
	}
	defer gzReader.Close()

	decompressed, err := io.ReadAll(gzReader)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress %s: %w", name, err)
	}
	return decompressed, nil
}

// GetProfile loads a profile by name.
func GetProfile(name string) (*Profile, error) {
	data, err := GetImage(name)
	if err != nil {
		return nil, err
	}
	return Parse(name, data)
}

// Parse splits a register image into its registers.
func Parse(name string, data []byte) (*Profile, error) {
	const regs = 2 * mmc.CXD_SIZE
	if len(data) != regs && len(data) != regs+mmc.EXT_CSD_SIZE {
		return nil, fmt.Errorf("profile %s: image is %d bytes, want %d or %d",
			name, len(data), regs, regs+mmc.EXT_CSD_SIZE)
	}

	p := &Profile{
		Name: name,
		CID:  mmc.WordsFromBytes(data[:mmc.CXD_SIZE]),
		CSD:  mmc.WordsFromBytes(data[mmc.CXD_SIZE:regs]),
	}
	if len(data) > regs {
		p.ExtCSD = append([]byte(nil), data[regs:]...)
	}
	return p, nil
}

// Image returns the register image of the profile.
func (p *Profile) Image() []byte {
	data := append(p.CID.Bytes(), p.CSD.Bytes()...)
	return append(data, p.ExtCSD...)
}
