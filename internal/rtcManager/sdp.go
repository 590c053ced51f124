package rtcManager

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/mikeyg42/xrstream/internal/protocol"
)

//----------------------
// SDP VALIDATION

type SDPValidationError struct {
	Field   string
	Message string
}

func (e *SDPValidationError) Error() string {
	return fmt.Sprintf("SDP validation error in %s: %s", e.Field, e.Message)
}

// answerInfo is what the manager wants to know about an accepted answer.
type answerInfo struct {
	// ExtensionID is the id the answer maps the DownMessage URI to, 0 if it dropped it.
	ExtensionID    int
	HasDataChannel bool
}

// validateAnswer rejects answers that cannot carry the stream at all. A missing
// extension or data channel is not an error: the peer still gets video.
func validateAnswer(raw string) (answerInfo, error) {
	var info answerInfo
	if strings.TrimSpace(raw) == "" {
		return info, &SDPValidationError{Field: "SessionDescription", Message: "is empty"}
	}

	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(raw)); err != nil {
		return info, &SDPValidationError{Field: "SessionDescription", Message: err.Error()}
	}
	if len(sd.MediaDescriptions) == 0 {
		return info, &SDPValidationError{Field: "Media", Message: "no media sections found"}
	}

	_, hasICE := sd.Attribute("ice-ufrag")
	fingerprint, hasDTLS := sd.Attribute("fingerprint")
	hasVideo := false

	for _, md := range sd.MediaDescriptions {
		if _, ok := md.Attribute("ice-ufrag"); ok {
			hasICE = true
		}
		if fp, ok := md.Attribute("fingerprint"); ok {
			hasDTLS = true
			fingerprint = fp
		}

		switch md.MediaName.Media {
		case "video":
			if md.MediaName.Port.Value == 0 {
				// rejected section
				continue
			}
			hasVideo = true
			if id, ok := extmapID(md, protocol.ExtensionURI); ok {
				info.ExtensionID = id
			}
		case "application":
			info.HasDataChannel = true
		}
	}

	if !hasVideo {
		return info, &SDPValidationError{Field: "Media", Message: "no accepted video section"}
	}
	if !hasICE {
		return info, &SDPValidationError{Field: "ICE", Message: "no ICE credentials found"}
	}
	if !hasDTLS {
		return info, &SDPValidationError{Field: "DTLS", Message: "no DTLS fingerprint found"}
	}
	if strings.TrimSpace(fingerprint) == "" {
		return info, &SDPValidationError{Field: "Fingerprint", Message: "empty DTLS fingerprint"}
	}
	return info, nil
}

// extmapID finds "a=extmap:<id>[/<direction>] <uri>" for uri.
func extmapID(md *sdp.MediaDescription, uri string) (int, bool) {
	for _, a := range md.Attributes {
		if a.Key != "extmap" {
			continue
		}
		fields := strings.Fields(a.Value)
		if len(fields) < 2 || fields[1] != uri {
			continue
		}
		idStr, _, _ := strings.Cut(fields[0], "/")
		id, err := strconv.Atoi(idStr)
		if err != nil {
			return 0, false
		}
		return id, true
	}
	return 0, false
}
