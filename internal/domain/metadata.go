package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// RunContext is the run-level provenance attached to every output record.
type RunContext struct {
	Variable       string
	Units          string
	SSP            string
	SourceURI      string
	ZonalAggMethod string
}

// metadataBlob is the structured metadata stored in the output relation's
// jsonb column. Consumers (query API, map front end) treat it as opaque.
type metadataBlob struct {
	ClimateVariable    string  `json:"climate_variable"`
	Units              string  `json:"units,omitempty"`
	SSP                string  `json:"ssp"`
	SourceURI          string  `json:"source_uri"`
	ZonalAggMethod     string  `json:"zonal_agg_method"`
	GeometrySimplified bool    `json:"geometry_simplified"`
	OriginalAreaKm2    float64 `json:"original_area_km2,omitempty"`
	Tags               Tags    `json:"tags,omitempty"`
	ProcessedAt        string  `json:"processed_at"`
}

// ComposeMetadata attaches the provenance blob to each record. Pure
// aside from reading the package clock; no I/O, no failure modes beyond
// marshaling programming errors.
func ComposeMetadata(recs []ExposureRecord, rc RunContext) ([]ExposureRecord, error) {
	processedAt := clock.Now().UTC().Format(time.RFC3339)
	out := make([]ExposureRecord, len(recs))
	for i, rec := range recs {
		blob := metadataBlob{
			ClimateVariable:    rc.Variable,
			Units:              rc.Units,
			SSP:                rc.SSP,
			SourceURI:          rc.SourceURI,
			ZonalAggMethod:     rc.ZonalAggMethod,
			GeometrySimplified: rec.Simplified,
			Tags:               rec.Tags,
			ProcessedAt:        processedAt,
		}
		if rec.Simplified {
			blob.OriginalAreaKm2 = rec.OriginalAreaKm2
		}
		data, err := json.Marshal(blob)
		if err != nil {
			return nil, fmt.Errorf("compose metadata for feature %d: %w", rec.FeatureID, err)
		}
		rec.Metadata = data
		out[i] = rec
	}
	return out, nil
}
