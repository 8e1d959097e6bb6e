package blob

import (
	"bytes"
	"encoding/binary"
	"io"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// ContentType is the processing class of a stored file
type ContentType string

const (
	TypeText    ContentType = "TEXT"
	TypePcap    ContentType = "PCAP"
	TypeArchive ContentType = "ARCHIVE"
	TypeUnknown ContentType = "UNKNOWN"
)

// Format refines ContentType: the container format of archives and the file
// format of captures
type Format string

const (
	FormatZip    Format = "zip"
	FormatTar    Format = "tar"
	FormatTarGz  Format = "tar.gz"
	FormatGzip   Format = "gz"
	FormatTarZst Format = "tar.zst"
	FormatZst    Format = "zst"
	FormatPcap   Format = "pcap"
	FormatPcapNg Format = "pcapng"
)

// Extension returns the filename extension of a format, including the dot
func (f Format) Extension() string {
	if f == "" {
		return ""
	}
	return "." + string(f)
}

// Detection is the result of content sniffing
type Detection struct {
	ContentType ContentType `json:"content_type"`
	Format      Format      `json:"format,omitempty"`
	MIME        string      `json:"mime"`
}

// headSize is how much of a file is sniffed
const headSize = 4096

var (
	pcapngMagic = []byte{0x0A, 0x0D, 0x0D, 0x0A}
	zstdMagic   = []byte{0x28, 0xB5, 0x2F, 0xFD}
)

// IsCapture reports whether head starts with a pcap or pcapng magic number
func IsCapture(head []byte) bool {
	if len(head) < 4 {
		return false
	}
	if bytes.Equal(head[:4], pcapngMagic) {
		return true
	}
	switch binary.LittleEndian.Uint32(head[:4]) {
	case 0xa1b2c3d4, 0xd4c3b2a1, 0xa1b23c4d, 0x4d3cb2a1:
		return true
	}
	return false
}

// Detect classifies content from its first bytes. filename only breaks ties
// for empty content, which is otherwise treated as text.
func Detect(head []byte, filename string) Detection {
	if IsCapture(head) {
		format := FormatPcap
		if bytes.HasPrefix(head, pcapngMagic) {
			format = FormatPcapNg
		}
		return Detection{ContentType: TypePcap, Format: format, MIME: "application/vnd.tcpdump.pcap"}
	}

	if len(head) == 0 {
		switch ext := strings.ToLower(path.Ext(filename)); ext {
		case ".pcap", ".cap":
			return Detection{ContentType: TypePcap, Format: FormatPcap, MIME: "application/vnd.tcpdump.pcap"}
		case ".pcapng":
			return Detection{ContentType: TypePcap, Format: FormatPcapNg, MIME: "application/vnd.tcpdump.pcap"}
		}
		return Detection{ContentType: TypeText, MIME: "text/plain"}
	}

	if bytes.HasPrefix(head, zstdMagic) {
		if inner, ok := peekZstd(head); ok && isTar(inner) {
			return Detection{ContentType: TypeArchive, Format: FormatTarZst, MIME: "application/zstd"}
		}
		return Detection{ContentType: TypeArchive, Format: FormatZst, MIME: "application/zstd"}
	}

	mtype := mimetype.Detect(head)
	switch {
	case mtype.Is("application/zip"):
		return Detection{ContentType: TypeArchive, Format: FormatZip, MIME: mtype.String()}
	case mtype.Is("application/x-tar") || isTar(head):
		return Detection{ContentType: TypeArchive, Format: FormatTar, MIME: mtype.String()}
	case mtype.Is("application/gzip"):
		if inner, ok := peekGzip(head); ok && isTar(inner) {
			return Detection{ContentType: TypeArchive, Format: FormatTarGz, MIME: mtype.String()}
		}
		return Detection{ContentType: TypeArchive, Format: FormatGzip, MIME: mtype.String()}
	}

	for m := mtype; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return Detection{ContentType: TypeText, MIME: mtype.String()}
		}
	}

	// Legacy 8-bit encodings are not always recognised as text
	if bytes.IndexByte(head, 0) < 0 {
		return Detection{ContentType: TypeText, MIME: "text/plain"}
	}
	return Detection{ContentType: TypeUnknown, MIME: mtype.String()}
}

func isTar(head []byte) bool {
	if len(head) >= 262 && string(head[257:262]) == "ustar" {
		return true
	}
	return mimetype.Detect(head).Is("application/x-tar")
}

func peekGzip(head []byte) ([]byte, bool) {
	zr, err := gzip.NewReader(bytes.NewReader(head))
	if err != nil {
		return nil, false
	}
	defer zr.Close()
	return readPrefix(zr)
}

func peekZstd(head []byte) ([]byte, bool) {
	zr, err := zstd.NewReader(bytes.NewReader(head), zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, false
	}
	defer zr.Close()
	return readPrefix(zr)
}

// readPrefix decompresses up to one tar header from a truncated stream
func readPrefix(r io.Reader) ([]byte, bool) {
	buf := make([]byte, 512)
	n, err := io.ReadFull(r, buf)
	if n == 0 {
		return nil, false
	}
	if err != nil && err != io.ErrUnexpectedEOF {
		return buf[:n], n == len(buf)
	}
	return buf[:n], true
}
