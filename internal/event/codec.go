package event

import (
	"encoding/json"
	"fmt"
)

// RecordJSON is the tagged wire form of a Record, used in the event log and
// on NATS.
type RecordJSON struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EncodeRecord tags a record with its subject name.
func EncodeRecord(r Record) (RecordJSON, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return RecordJSON{}, fmt.Errorf("encode %s: %w", r.RecordType(), err)
	}
	return RecordJSON{Type: r.RecordType().Subject(), Data: data}, nil
}

// EncodeRecords encodes records as a JSON array. Nil encodes as [].
func EncodeRecords(records []Record) ([]byte, error) {
	out := make([]RecordJSON, 0, len(records))
	for _, r := range records {
		rj, err := EncodeRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, rj)
	}
	return json.Marshal(out)
}

// DecodeRecords is the inverse of EncodeRecords.
func DecodeRecords(data []byte) ([]Record, error) {
	var raw []RecordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}

	records := make([]Record, 0, len(raw))
	for _, rj := range raw {
		var r Record
		switch rj.Type {
		case RecordTypeCollateralDeposited.Subject():
			r = &CollateralDeposited{}
		case RecordTypeCollateralWithdrawn.Subject():
			r = &CollateralWithdrawn{}
		case RecordTypeSyntheticMinted.Subject():
			r = &SyntheticMinted{}
		case RecordTypeSyntheticBurned.Subject():
			r = &SyntheticBurned{}
		case RecordTypePositionLiquidated.Subject():
			r = &PositionLiquidated{}
		default:
			return nil, fmt.Errorf("decode records: unknown type %q", rj.Type)
		}
		if err := json.Unmarshal(rj.Data, r); err != nil {
			return nil, fmt.Errorf("decode %s: %w", rj.Type, err)
		}
		records = append(records, r)
	}
	return records, nil
}
