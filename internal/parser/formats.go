package parser

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"usage-ingest/internal/model"

	json "github.com/goccy/go-json"
)

// ------------------------------------------------------------
// legacy (v1) : flat JSON array
//
//	[
//	  {"hash":"...","operation":"query { a }","operationName":"A",
//	   "fields":["Query.a"],"timestamp":1700000000000,"duration":1200000,
//	   "ok":true,"errors":0,"client":{"name":"web","version":"1.2"},
//	   "target":"..."}
//	]
//
// 배열 원소를 하나씩 decode 하므로 operation 수와 무관하게
// 원소 1개 크기만큼만 중간 상태를 유지한다.
// ------------------------------------------------------------

type legacyOperation struct {
	Hash          string   `json:"hash"`
	Operation     string   `json:"operation"`
	OperationName string   `json:"operationName"`
	Fields        []string `json:"fields"`
	Timestamp     int64    `json:"timestamp"`
	Duration      int64    `json:"duration"`
	OK            *bool    `json:"ok"`
	Errors        int      `json:"errors"`
	Client        *client  `json:"client"`
	Target        string   `json:"target"`
}

type client struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func decodeLegacy(dec *json.Decoder, opts Options, b *builder) error {
	if err := expectDelim(dec, '['); err != nil {
		return err
	}

	for dec.More() {
		var op legacyOperation
		if err := dec.Decode(&op); err != nil {
			return err
		}

		// legacy 클라이언트는 hash 를 보내지 않는 경우가 있어 본문으로 계산한다
		hash := op.Hash
		if hash == "" && op.Operation != "" {
			hash = contentHash(op.Operation)
		}
		ok := op.Errors == 0
		if op.OK != nil {
			ok = *op.OK
		}

		rec := model.RawOperationRecord{
			Hash:          hash,
			Body:          op.Operation,
			OperationName: op.OperationName,
			Fields:        op.Fields,
			Timestamp:     op.Timestamp,
			Duration:      op.Duration,
			OK:            ok,
			ErrorsTotal:   op.Errors,
			TargetID:      op.Target,
		}
		if op.Client != nil {
			rec.ClientName, rec.ClientVersion = op.Client.Name, op.Client.Version
		}
		if err := b.add(rec, opts); err != nil {
			return err
		}
	}

	return expectDelim(dec, ']')
}

// ------------------------------------------------------------
// current (v2) : structured report
//
//	{
//	  "size": 2,
//	  "target": "...",
//	  "map": {"<hash>": {"operation":"...","operationName":"...","fields":[...]}},
//	  "operations": [
//	    {"operationMapKey":"<hash>","timestamp":...,
//	     "execution":{"ok":true,"duration":...,"errorsTotal":0},
//	     "metadata":{"client":{"name":"...","version":"..."}},
//	     "target":"..."}
//	  ]
//	}
//
// map key 가 operation hash 다. 동일 operation 의 body 는 한 번만 전송된다.
// ------------------------------------------------------------

type currentReport struct {
	Size       *int                    `json:"size"`
	Target     string                  `json:"target"`
	Map        map[string]operationDoc `json:"map"`
	Operations []currentOperation      `json:"operations"`
}

type operationDoc struct {
	Operation     string   `json:"operation"`
	OperationName string   `json:"operationName"`
	Fields        []string `json:"fields"`
}

type currentOperation struct {
	OperationMapKey string `json:"operationMapKey"`
	Timestamp       int64  `json:"timestamp"`
	Execution       struct {
		OK          bool  `json:"ok"`
		Duration    int64 `json:"duration"`
		ErrorsTotal int   `json:"errorsTotal"`
	} `json:"execution"`
	Metadata *struct {
		Client *client `json:"client"`
	} `json:"metadata"`
	Target string `json:"target"`
}

func decodeCurrent(dec *json.Decoder, opts Options, b *builder) error {
	var r currentReport
	if err := dec.Decode(&r); err != nil {
		return err
	}

	if opts.MaxOperations > 0 && len(r.Operations) > opts.MaxOperations {
		return model.Malformed(model.ReasonTooManyOperations,
			fmt.Errorf("%d operations, limit %d", len(r.Operations), opts.MaxOperations))
	}
	if r.Size != nil && *r.Size != len(r.Operations) {
		return model.Malformed(model.ReasonSizeMismatch,
			fmt.Errorf("declared %d, got %d", *r.Size, len(r.Operations)))
	}

	for i := range r.Operations {
		op := &r.Operations[i]

		doc, found := r.Map[op.OperationMapKey]
		if !validHash(op.OperationMapKey) {
			if err := b.reject(ReasonInvalidHash, opts); err != nil {
				return err
			}
			continue
		}
		if !found {
			if err := b.reject(ReasonInvalidBody, opts); err != nil {
				return err
			}
			continue
		}

		target := op.Target
		if target == "" {
			target = r.Target
		}

		rec := model.RawOperationRecord{
			Hash:          op.OperationMapKey,
			Body:          doc.Operation,
			OperationName: doc.OperationName,
			Fields:        doc.Fields,
			Timestamp:     op.Timestamp,
			Duration:      op.Execution.Duration,
			OK:            op.Execution.OK,
			ErrorsTotal:   op.Execution.ErrorsTotal,
			TargetID:      target,
		}
		if op.Metadata != nil && op.Metadata.Client != nil {
			rec.ClientName, rec.ClientVersion = op.Metadata.Client.Name, op.Metadata.Client.Version
		}
		if err := b.add(rec, opts); err != nil {
			return err
		}
	}
	return nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", rune(want), tok)
	}
	return nil
}

// contentHash 는 operation 본문의 sha256 hex (앞 32자).
func contentHash(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:16])
}
