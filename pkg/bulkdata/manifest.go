package bulkdata

import (
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strings"
)

// maxStatusBody caps the JSON completion body read as a manifest fallback.
const maxStatusBody = 10 << 20

var linkTarget = regexp.MustCompile(`<(.*)>`)

// ParseManifest extracts the URLs of a Link header value such as
// `<http://a/1.ndjson>;rel=foo, <http://a/2.ndjson>;rel=bar`. Entries without
// a bracketed URL are skipped; order is preserved.
func ParseManifest(header string) []string {
	locations := []string{}
	for _, entry := range strings.Split(header, ",") {
		if m := linkTarget.FindStringSubmatch(entry); m != nil {
			locations = append(locations, m[1])
		}
	}
	return locations
}

// completionBody is the JSON body of a completed FHIR Bulk Data export. Output
// is a pointer so an absent list can be told apart from an empty one.
type completionBody struct {
	Output *[]struct {
		Type string `json:"type"`
		URL  string `json:"url"`
	} `json:"output"`
}

// manifestFromResponse reads the manifest of a 200 status response. The Link
// header wins; without one the JSON output list is used. A response with
// neither is a protocol error.
func manifestFromResponse(resp *http.Response) ([]string, error) {
	if links := resp.Header.Values("Link"); len(links) > 0 {
		return ParseManifest(strings.Join(links, ",")), nil
	}

	var body completionBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxStatusBody)).Decode(&body); err != nil || body.Output == nil {
		return nil, ErrMissingManifest
	}

	locations := make([]string, 0, len(*body.Output))
	for _, o := range *body.Output {
		if o.URL != "" {
			locations = append(locations, o.URL)
		}
	}
	return locations, nil
}
