package processor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"go.uber.org/zap"

	"github.com/raaihank/datamask/internal/masking"
)

const defaultSnaplen = 262144

// pcapng section header block type, identical in both byte orders
var pcapngMagic = []byte{0x0A, 0x0D, 0x0D, 0x0A}

// contentLength matches the full and compact forms of the SIP header
var contentLength = regexp.MustCompile(`(?im)^((?:content-length|l)[ \t]*:[ \t]*)[0-9]+`)

// PcapOptions tune a PcapProcessor
type PcapOptions struct {
	// SIPPorts are the UDP ports whose payload is masked as SIP text
	SIPPorts []int
}

// PcapProcessor masks addresses and SIP payloads in pcap and pcapng captures.
// Rewritten packets are re-serialized with recomputed lengths and checksums;
// a packet that cannot be rewritten is kept unchanged and counted as skipped.
type PcapProcessor struct {
	analyzer *Analyzer
	sipPorts map[int]bool
	logger   *zap.Logger
}

// NewPcapProcessor creates a capture processor over rules
func NewPcapProcessor(rules []Rule, opts PcapOptions, logger *zap.Logger) *PcapProcessor {
	ports := opts.SIPPorts
	if len(ports) == 0 {
		ports = []int{5060}
	}
	sipPorts := make(map[int]bool, len(ports))
	for _, port := range ports {
		sipPorts[port] = true
	}
	return &PcapProcessor{
		analyzer: NewAnalyzer(rules),
		sipPorts: sipPorts,
		logger:   logger,
	}
}

type packetSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Process masks the capture read from in and writes the result to out in the
// same file format and link type. An empty input produces an empty capture.
// A capture whose header cannot be parsed produces a header-only capture and
// ErrPacketFormat.
func (p *PcapProcessor) Process(ctx context.Context, in io.Reader, out io.Writer, progress ProgressFunc) (Stats, error) {
	var stats Stats
	counter := &countingReader{r: in}
	br := bufio.NewReaderSize(counter, 64*1024)

	magic, err := br.Peek(4)
	if len(magic) == 0 && errors.Is(err, io.EOF) {
		return stats, writeEmptyCapture(out)
	}

	var source packetSource
	isNg := bytes.Equal(magic, pcapngMagic)
	var snaplen uint32 = defaultSnaplen
	nanos := false
	if isNg {
		ng, ngErr := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		source, err = ng, ngErr
	} else {
		r, rErr := pcapgo.NewReader(br)
		if rErr == nil {
			snaplen = max(r.Snaplen(), snaplen)
			nanos = r.Resolution() == gopacket.TimestampResolutionNanosecond
		}
		source, err = r, rErr
	}
	if err != nil {
		if fallbackErr := writeEmptyCapture(out); fallbackErr != nil {
			return stats, fmt.Errorf("failed to write fallback capture: %w", fallbackErr)
		}
		return stats, fmt.Errorf("%w: %v", ErrPacketFormat, err)
	}

	linkType := source.LinkType()
	bw := bufio.NewWriterSize(out, 64*1024)
	write, flush, err := newPacketSink(bw, isNg, nanos, linkType, snaplen)
	if err != nil {
		return stats, fmt.Errorf("failed to create output capture: %w", err)
	}

	for {
		data, ci, err := source.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			p.logger.Warn("Capture ends with a truncated packet", zap.Int64("packets", stats.Packets))
			break
		}
		if err != nil {
			return stats, fmt.Errorf("%w: packet %d: %v", ErrPacketFormat, stats.Packets+1, err)
		}
		stats.Packets++

		masked, matches, err := p.maskPacket(ctx, data, linkType)
		switch {
		case err != nil:
			stats.SkippedPackets++
			p.logger.Debug("Packet left unmodified",
				zap.Int64("packet", stats.Packets),
				zap.Error(err))
			masked = data
		case matches > 0:
			stats.PacketsModified++
			stats.Matches += int64(matches)
		}

		if delta := len(masked) - len(data); delta != 0 {
			ci.Length += delta
		}
		ci.CaptureLength = len(masked)
		ci.Length = max(ci.Length, ci.CaptureLength)
		ci.InterfaceIndex = 0
		if err := write(ci, masked); err != nil {
			return stats, fmt.Errorf("failed to write packet %d: %w", stats.Packets, err)
		}

		if progress != nil {
			progress(counter.n)
		}
	}

	if err := flush(); err != nil {
		return stats, fmt.Errorf("failed to flush capture: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return stats, fmt.Errorf("failed to flush capture: %w", err)
	}

	stats.Units = stats.Packets
	stats.BytesIn = counter.n
	if progress != nil {
		progress(counter.n)
	}

	p.logger.Debug("Capture masked",
		zap.Int64("packets", stats.Packets),
		zap.Int64("modified", stats.PacketsModified),
		zap.Int64("skipped", stats.SkippedPackets),
		zap.String("link_type", linkType.String()))

	return stats, nil
}

// newPacketSink opens an output capture in the input's format. Classic pcap
// output keeps the input's timestamp resolution.
func newPacketSink(w io.Writer, ng, nanos bool, linkType layers.LinkType, snaplen uint32) (func(gopacket.CaptureInfo, []byte) error, func() error, error) {
	if ng {
		writer, err := pcapgo.NewNgWriter(w, linkType)
		if err != nil {
			return nil, nil, err
		}
		return writer.WritePacket, writer.Flush, nil
	}

	writer := pcapgo.NewWriter(w)
	if nanos {
		writer = pcapgo.NewWriterNanos(w)
	}
	if err := writer.WriteFileHeader(snaplen, linkType); err != nil {
		return nil, nil, err
	}
	return writer.WritePacket, func() error { return nil }, nil
}

func writeEmptyCapture(w io.Writer) error {
	return pcapgo.NewWriter(w).WriteFileHeader(defaultSnaplen, layers.LinkTypeEthernet)
}

// maskPacket rewrites one packet and returns the new bytes and the number of
// replaced values. Packets without matches are returned as is.
func (p *PcapProcessor) maskPacket(ctx context.Context, data []byte, linkType layers.LinkType) (out []byte, matches int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("packet decoding panicked: %v", r)
		}
	}()

	packet := gopacket.NewPacket(data, linkType, gopacket.DecodeOptions{NoCopy: true})
	if failure := packet.ErrorLayer(); failure != nil && packet.NetworkLayer() == nil && packet.LinkLayer() == nil {
		return data, 0, fmt.Errorf("undecodable packet: %w", failure.Error())
	}

	all := packet.Layers()
	linkIdx, netIdx, transportIdx := -1, -1, -1
	netChanged := false
	var newPayload []byte

	for i, layer := range all {
		switch l := layer.(type) {
		case *layers.Ethernet:
			linkIdx = i
			n, err := p.patchMACs(ctx, &l.SrcMAC, &l.DstMAC)
			if err != nil {
				return data, 0, err
			}
			matches += n
		case *layers.ARP:
			netIdx = i
			n, err := p.patchARP(ctx, l)
			if err != nil {
				return data, 0, err
			}
			netChanged = netChanged || n > 0
			matches += n
		case *layers.IPv4:
			netIdx = i
			n, err := p.patchIPs(ctx, &l.SrcIP, &l.DstIP)
			if err != nil {
				return data, 0, err
			}
			netChanged = netChanged || n > 0
			matches += n
		case *layers.IPv6:
			netIdx = i
		case *layers.UDP:
			transportIdx = i
			if p.sipPorts[int(l.SrcPort)] || p.sipPorts[int(l.DstPort)] {
				payload, n, err := p.maskPayload(ctx, l.Payload)
				if err != nil {
					return data, 0, err
				}
				if n > 0 {
					newPayload = payload
					matches += n
				}
			}
		case *layers.TCP:
			// TCP payloads are left alone: resizing a segment would desync
			// the sequence numbers of the rest of the stream
			transportIdx = i
		}
		if transportIdx >= 0 {
			break
		}
	}

	if matches == 0 {
		return data, 0, nil
	}

	// Serialize only as deep as the changes reach; transport headers are
	// included whenever their checksum covers a rewritten address.
	cut := linkIdx
	if netChanged {
		cut = netIdx
	}
	if transportIdx >= 0 && (netChanged || newPayload != nil) {
		cut = transportIdx
	}
	if cut < 0 {
		return data, 0, fmt.Errorf("no serializable layer for a rewritten packet")
	}

	if transportIdx >= 0 && cut == transportIdx {
		network := packet.NetworkLayer()
		if network == nil {
			return data, 0, fmt.Errorf("transport layer without network layer")
		}
		switch t := all[transportIdx].(type) {
		case *layers.UDP:
			if err := t.SetNetworkLayerForChecksum(network); err != nil {
				return data, 0, err
			}
		case *layers.TCP:
			if err := t.SetNetworkLayerForChecksum(network); err != nil {
				return data, 0, err
			}
		}
	}

	serializable := make([]gopacket.SerializableLayer, 0, cut+2)
	for _, layer := range all[:cut+1] {
		s, ok := layer.(gopacket.SerializableLayer)
		if !ok {
			return data, 0, fmt.Errorf("layer %s cannot be serialized", layer.LayerType())
		}
		serializable = append(serializable, s)
	}
	rest := all[cut].LayerPayload()
	if newPayload != nil && cut == transportIdx {
		rest = newPayload
	}
	serializable = append(serializable, gopacket.Payload(rest))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, serializable...); err != nil {
		return data, 0, fmt.Errorf("failed to serialize packet: %w", err)
	}

	return buf.Bytes(), matches, nil
}

func (p *PcapProcessor) patchMACs(ctx context.Context, addrs ...*net.HardwareAddr) (int, error) {
	changed := 0
	for _, addr := range addrs {
		if len(*addr) != 6 {
			continue
		}
		patched, ok, err := p.analyzer.PatchField(ctx, addr.String(), masking.CategoryMAC)
		if err != nil {
			return changed, err
		}
		if !ok {
			continue
		}
		mac, err := net.ParseMAC(patched)
		if err != nil || len(mac) != 6 {
			return changed, fmt.Errorf("pseudonym %q is not a MAC address", patched)
		}
		*addr = mac
		changed++
	}
	return changed, nil
}

func (p *PcapProcessor) patchIPs(ctx context.Context, addrs ...*net.IP) (int, error) {
	changed := 0
	for _, addr := range addrs {
		v4 := addr.To4()
		if v4 == nil {
			continue
		}
		patched, ok, err := p.analyzer.PatchField(ctx, v4.String(), masking.CategoryIP)
		if err != nil {
			return changed, err
		}
		if !ok {
			continue
		}
		ip := net.ParseIP(patched).To4()
		if ip == nil {
			return changed, fmt.Errorf("pseudonym %q is not an IPv4 address", patched)
		}
		*addr = ip
		changed++
	}
	return changed, nil
}

func (p *PcapProcessor) patchARP(ctx context.Context, arp *layers.ARP) (int, error) {
	changed := 0
	for _, hw := range []*[]byte{&arp.SourceHwAddress, &arp.DstHwAddress} {
		addr := net.HardwareAddr(*hw)
		n, err := p.patchMACs(ctx, &addr)
		if err != nil {
			return changed, err
		}
		if n > 0 {
			*hw = addr
			changed += n
		}
	}
	for _, proto := range []*[]byte{&arp.SourceProtAddress, &arp.DstProtAddress} {
		if len(*proto) != 4 {
			continue
		}
		addr := net.IP(*proto)
		n, err := p.patchIPs(ctx, &addr)
		if err != nil {
			return changed, err
		}
		if n > 0 {
			*proto = addr
			changed += n
		}
	}
	return changed, nil
}

// maskPayload runs the text pipeline over an application payload
func (p *PcapProcessor) maskPayload(ctx context.Context, payload []byte) ([]byte, int, error) {
	if len(payload) == 0 {
		return payload, 0, nil
	}
	units := strings.SplitAfter(string(payload), "\n")
	if units[len(units)-1] == "" {
		units = units[:len(units)-1]
	}
	patched, count, err := p.analyzer.Process(ctx, units)
	if err != nil || count == 0 {
		return payload, 0, err
	}
	return []byte(fixContentLength(strings.Join(patched, ""))), count, nil
}

// fixContentLength sets the Content-Length header of a SIP message to the
// size of its body. Messages without a header/body separator or without the
// header are returned unchanged.
func fixContentLength(msg string) string {
	sep := "\r\n\r\n"
	end := strings.Index(msg, sep)
	if end < 0 {
		sep = "\n\n"
		if end = strings.Index(msg, sep); end < 0 {
			return msg
		}
	}
	headers, body := msg[:end], msg[end+len(sep):]

	loc := contentLength.FindStringSubmatchIndex(headers)
	if loc == nil {
		return msg
	}
	return headers[:loc[3]] + strconv.Itoa(len(body)) + msg[loc[1]:]
}
