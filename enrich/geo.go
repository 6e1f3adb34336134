package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mjl-/reportview/mlog"
	"github.com/mjl-/reportview/moxio"
)

// Location is the geolocation answer for an IP, in the field layout of the
// ip-api.com backend.
type Location struct {
	AutonomousSystem string  `json:"as"`
	Country          string  `json:"country"`
	CountryCode      string  `json:"countryCode"`
	RegionName       string  `json:"regionName"`
	City             string  `json:"city"`
	Lat              float64 `json:"lat"`
	Lon              float64 `json:"lon"`
	Timezone         string  `json:"timezone"`
	ISP              string  `json:"isp"`
	Org              string  `json:"org"`
	Proxy            bool    `json:"proxy"`
	Hosting          bool    `json:"hosting"`
}

const geoBaseURL = "http://ip-api.com"

// maxGeoResponseSize bounds the response body read.
const maxGeoResponseSize = 1024 * 1024

// Geo caches geolocation lookups against ip-api.com. The provider allows
// 45 requests per minute; beyond that it answers with an error status,
// which becomes Unavailable and is retried on a later request.
type Geo struct {
	*Cache[Location]
}

// NewGeo returns a geolocation cache. An empty baseURL selects the public
// ip-api.com endpoint; tests pass their own server.
func NewGeo(log *mlog.Log, client *http.Client, baseURL string) *Geo {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if baseURL == "" {
		baseURL = geoBaseURL
	}
	lookup := func(ctx context.Context, ip string) (Location, Status) {
		loc, status, err := geolocate(ctx, client, baseURL, ip)
		if err != nil {
			log.Debugx("geolocation lookup", err, mlog.Field("ip", ip))
		}
		return loc, status
	}
	return &Geo{NewCache("geo", lookup)}
}

func geolocate(ctx context.Context, client *http.Client, baseURL, ip string) (Location, Status, error) {
	url := fmt.Sprintf("%s/json/%s?fields=country,countryCode,regionName,city,lat,lon,timezone,isp,org,as,proxy,hosting,query", baseURL, ip)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return Location{}, Unavailable, fmt.Errorf("making request: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Location{}, Unavailable, fmt.Errorf("requesting location: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Location{}, Unavailable, fmt.Errorf("location backend returned status %s", resp.Status)
	}
	buf, err := io.ReadAll(&moxio.LimitReader{R: resp.Body, Limit: maxGeoResponseSize})
	if err != nil {
		return Location{}, Unavailable, fmt.Errorf("reading response: %v", err)
	}
	var loc Location
	if err := json.Unmarshal(buf, &loc); err != nil {
		return Location{}, Unavailable, fmt.Errorf("parsing response: %v", err)
	}
	// The backend answers private and unknown addresses with an empty
	// object instead of an error status.
	if loc == (Location{}) {
		return Location{}, NotFound, nil
	}
	return loc, Found, nil
}
