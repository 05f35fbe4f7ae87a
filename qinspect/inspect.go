package qinspect

import (
	"encoding/json"
	"fmt"

	"github.com/gaukas/h3bridge/internal/utils"
	"go.uber.org/zap"
)

// FlightSummary is the JSON-ready digest of an observed client Initial flight.
type FlightSummary struct {
	Version     utils.Uint8Arr `json:"version,omitempty"`
	DCID        utils.Uint8Arr `json:"dcid,omitempty"`
	SCID        utils.Uint8Arr `json:"scid,omitempty"`
	PacketCount int            `json:"packet_count,omitempty"`
	FrameTypes  []uint64       `json:"frame_types,omitempty"` // sorted set

	ServerName          string               `json:"server_name,omitempty"`
	ALPN                []string             `json:"alpn,omitempty"`
	Extensions          []uint16             `json:"extensions,omitempty"`
	TransportParameters *TransportParameters `json:"transport_parameters,omitempty"`
}

// FlightInspector decrypts and reassembles the ClientHello out of a client's
// own Initial packets as they head for the socket. Once the flight completes
// it logs a one-line JSON summary and goes quiet.
//
// Observe never fails: a datagram the inspector cannot read is still the
// caller's to send.
type FlightInspector struct {
	logger   *zap.Logger
	gatherer *ClientHelloGatherer

	first       *InitialPacket
	frameTypes  []uint64
	packetCount int

	summary *FlightSummary
	done    bool
}

// NewFlightInspector creates a FlightInspector logging through logger.
func NewFlightInspector(logger *zap.Logger) *FlightInspector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FlightInspector{
		logger:   logger,
		gatherer: NewClientHelloGatherer(),
	}
}

// Observe feeds one outgoing datagram to the inspector.
func (fi *FlightInspector) Observe(datagram []byte) {
	if fi.done {
		return
	}

	pkt, err := ParseInitialPacket(datagram)
	if err != nil {
		fi.logger.Debug(fmt.Sprintf("skipping outgoing datagram: %v", err))
		return
	}

	if fi.first == nil {
		fi.first = pkt
	}
	fi.packetCount++
	fi.frameTypes = append(fi.frameTypes, pkt.Frames.Types()...)

	if err := fi.gatherer.AddPacket(pkt); err != nil {
		fi.logger.Debug(fmt.Sprintf("abandoning client Initial flight: %v", err))
		fi.done = true
		return
	}

	if !fi.gatherer.Gathered() {
		return // more CRYPTO to come
	}
	fi.done = true

	ch, err := fi.gatherer.Reconstruct()
	if err != nil {
		fi.logger.Debug(fmt.Sprintf("failed to reconstruct ClientHello: %v", err))
		return
	}

	fi.summary = &FlightSummary{
		Version:             fi.first.Version,
		DCID:                fi.first.DCID,
		SCID:                fi.first.SCID,
		PacketCount:         fi.packetCount,
		ServerName:          ch.ServerName,
		ALPN:                ch.ALPN,
		Extensions:          ch.Extensions,
		TransportParameters: ch.TransportParameters,
	}
	if len(fi.frameTypes) > 0 {
		fi.summary.FrameTypes = utils.DedupIntArr(fi.frameTypes)
	}

	b, err := json.Marshal(fi.summary)
	if err != nil {
		fi.logger.Error("failed to marshal flight summary", zap.Error(err))
		return
	}
	fi.logger.Info("client Initial flight: " + string(b))
}

// Summary returns the digest of the completed flight, or nil before the
// flight completes.
func (fi *FlightInspector) Summary() *FlightSummary {
	return fi.summary
}
