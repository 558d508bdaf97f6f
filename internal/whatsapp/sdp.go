package whatsapp

import (
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"
)

// CleanOffer undoes the escaping some webhook relays apply to SDP line
// breaks, terminates the last line and checks that the result parses and
// offers Opus audio, the only codec the peer connection negotiates.
func CleanOffer(raw string) (string, error) {
	offer := strings.TrimSpace(raw)
	offer = strings.ReplaceAll(offer, `\r\n`, "\r\n")
	offer = strings.ReplaceAll(offer, `\n`, "\n")
	if !strings.HasSuffix(offer, "\n") {
		offer += "\r\n"
	}

	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(offer)); err != nil {
		return "", errors.Wrap(err, "parse sdp offer")
	}
	codecs := audioCodecs(&sd)
	if len(codecs) == 0 {
		return "", errors.New("sdp offer has no audio section")
	}
	for _, c := range codecs {
		if strings.EqualFold(c, "opus") {
			return offer, nil
		}
	}
	return "", errors.Errorf("sdp offer has no opus codec (offered %s)", strings.Join(codecs, ","))
}

func audioCodecs(sd *sdp.SessionDescription) []string {
	var out []string
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		for _, format := range md.MediaName.Formats {
			pt, err := strconv.ParseUint(format, 10, 8)
			if err != nil {
				continue
			}
			codec, err := sd.GetCodecForPayloadType(uint8(pt))
			if err != nil {
				continue
			}
			out = append(out, codec.Name)
		}
	}
	return out
}
