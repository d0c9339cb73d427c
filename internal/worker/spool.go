// internal/worker/spool.go
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"usage-ingest/internal/metrics"
	"usage-ingest/internal/model"

	json "github.com/goccy/go-json"
	zlog "github.com/rs/zerolog/log"
)

const (
	metaSuffix = ".meta.json"
	tmpSuffix  = ".tmp"
)

// payloadWriter 는 spool 재전송 대상 (Publisher).
type payloadWriter interface {
	Write(ctx context.Context, p model.CompressedPayload) error
}

// SpoolOptions 는 로컬 spool 설정.
type SpoolOptions struct {
	Dir           string
	MaxAge        time.Duration // 이보다 오래된 파일은 재전송하지 않고 archive/삭제
	MaxBytes      int64         // data 파일 총합 상한. 넘치면 가장 오래된 것부터 제거
	InstanceID    string
	ArchivePrefix string
}

// spoolMeta 는 data 파일 옆의 <name>.meta.json.
type spoolMeta struct {
	BatchID        string `json:"batch_id"`
	TargetID       string `json:"target"`
	OrganizationID string `json:"organization"`
	Encoding       string `json:"encoding"`
	RecordCount    int    `json:"records"`
	RawBytes       int64  `json:"raw_bytes"`
}

// Spool
// ------------------------------------------------------------
// publish 재시도를 모두 소진한 payload 를 로컬 디스크에 보관하고,
// 백그라운드에서 가장 오래된 것부터 broker 로 다시 보낸다.
//
//	Save      : <name> + <name>.meta.json 저장 (용량 초과 시 oldest 제거)
//	ReplayOne : oldest 1개 → 만료면 archive/삭제, 깨졌으면 archive/삭제, 아니면 재전송
//	            broker 가 재시도 불가로 거부하면 archive/삭제 (뒤의 파일을 막지 않는다)
//
// 파일명 prefix 가 unix seconds 이므로 이름순 = 시간순.
// 재전송된 batch 는 같은 target 의 이후 batch 보다 늦게 기록될 수 있다.
type Spool struct {
	opts     SpoolOptions
	enc      *Encoder
	archiver *S3Uploader // nil 이면 만료/손상 파일은 삭제만 한다
	m        *metrics.Metrics

	mu        sync.Mutex // 파일 선택/삭제 직렬화
	sizeBytes atomic.Int64
	files     atomic.Int64
}

// NewSpool 은 디렉토리를 만들고 기존 파일을 스캔해 크기/개수를 복원한다.
// data 없이 남은 meta, 쓰다 만 .tmp 파일은 정리한다.
func NewSpool(opts SpoolOptions, enc *Encoder, archiver *S3Uploader, m *metrics.Metrics) (*Spool, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}

	s := &Spool{opts: opts, enc: enc, archiver: archiver, m: m}

	entries, err := os.ReadDir(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("read spool dir: %w", err)
	}

	var total, count int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		full := filepath.Join(opts.Dir, name)

		switch {
		case strings.HasSuffix(name, tmpSuffix):
			_ = os.Remove(full)
			continue

		case strings.HasSuffix(name, metaSuffix):
			dataName := strings.TrimSuffix(name, metaSuffix)
			if _, err := os.Stat(filepath.Join(opts.Dir, dataName)); os.IsNotExist(err) {
				_ = os.Remove(full)
			}
			continue
		}

		if info, err := e.Info(); err == nil {
			total += info.Size()
			count++
		}
	}

	s.sizeBytes.Store(total)
	s.files.Store(count)
	s.syncGauges()

	if count > 0 {
		zlog.Info().Int64("files", count).Int64("bytes", total).Msg("spool restored")
	}
	return s, nil
}

// Save 는 payload 를 spool 에 기록한다.
// 용량을 확보하지 못하면 버리고 에러를 반환한다.
func (s *Spool) Save(p model.CompressedPayload) error {
	if len(p.Data) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	size := int64(len(p.Data))
	if !s.ensureCapacityLocked(size) {
		return fmt.Errorf("spool full: need %d bytes, limit %d", size, s.opts.MaxBytes)
	}

	name := NewFilename(s.opts.InstanceID, p.Encoding)
	dataPath := filepath.Join(s.opts.Dir, name)

	meta, err := json.Marshal(spoolMeta{
		BatchID:        p.BatchID,
		TargetID:       p.TargetID,
		OrganizationID: p.OrganizationID,
		Encoding:       p.Encoding,
		RecordCount:    p.RecordCount,
		RawBytes:       p.RawBytes,
	})
	if err != nil {
		return fmt.Errorf("marshal spool meta: %w", err)
	}
	if err := os.WriteFile(dataPath+metaSuffix, meta, 0o600); err != nil {
		return fmt.Errorf("write spool meta: %w", err)
	}

	// data 는 tmp → rename 으로 기록해 반쯤 쓴 파일이 재전송되지 않게 한다
	if err := os.WriteFile(dataPath+tmpSuffix, p.Data, 0o600); err != nil {
		_ = os.Remove(dataPath + metaSuffix)
		return fmt.Errorf("write spool data: %w", err)
	}
	if err := os.Rename(dataPath+tmpSuffix, dataPath); err != nil {
		_ = os.Remove(dataPath + tmpSuffix)
		_ = os.Remove(dataPath + metaSuffix)
		return fmt.Errorf("commit spool data: %w", err)
	}

	s.sizeBytes.Add(size)
	s.files.Add(1)
	s.syncGauges()
	s.m.SpoolSaved.Inc()
	return nil
}

// ensureCapacityLocked 는 MaxBytes 를 넘지 않도록 가장 오래된 파일부터 지운다.
// 더 지울 파일이 없는데도 부족하면 false.
func (s *Spool) ensureCapacityLocked(incoming int64) bool {
	if s.opts.MaxBytes <= 0 {
		return true
	}
	if incoming > s.opts.MaxBytes {
		return false
	}

	for s.sizeBytes.Load()+incoming > s.opts.MaxBytes {
		oldest := s.pickOldestLocked()
		if oldest == "" {
			return false
		}
		if records, ok := s.removeLocked(oldest); ok {
			s.m.SpoolEvicted.Inc()
			s.m.RawOperationFails.WithLabelValues("spool-evicted").Add(float64(records))
			zlog.Warn().Str("file", oldest).Msg("spool capacity, removed oldest")
		}
	}
	return true
}

// ReplayOne 은 가장 오래된 파일 1개를 처리한다.
// 처리할 파일이 없으면 false. transient 재전송 실패 시 파일은 그대로 남고 에러를 반환한다.
func (s *Spool) ReplayOne(ctx context.Context, w payloadWriter) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	name := s.pickOldestLocked()
	if name == "" {
		s.mu.Unlock()
		return false, nil
	}
	dataPath := filepath.Join(s.opts.Dir, name)
	data, err := os.ReadFile(dataPath)
	if err != nil {
		s.removeLocked(name)
		s.mu.Unlock()
		return true, fmt.Errorf("read spool file %s: %w", name, err)
	}
	meta := s.readMeta(name)
	s.mu.Unlock()

	// --- 만료 판단: 파일명 prefix 의 unix seconds ---
	if s.opts.MaxAge > 0 {
		if sec, ok := extractUnixFromFilename(name); ok {
			age := time.Duration(Unix()-sec) * time.Second
			if age > s.opts.MaxAge {
				s.retire(ctx, name, "spool-expired")
				zlog.Info().Str("file", name).Dur("age", age).Msg("spool entry expired")
				return true, nil
			}
		}
	}

	p := model.CompressedPayload{
		BatchID:        meta.BatchID,
		TargetID:       meta.TargetID,
		OrganizationID: meta.OrganizationID,
		Data:           data,
		Encoding:       meta.Encoding,
		RecordCount:    meta.RecordCount,
		RawBytes:       meta.RawBytes,
	}
	if p.Encoding == "" {
		p.Encoding = encodingFromName(name)
	}

	// --- 유효성 검사: 전체 decode ---
	records, err := s.enc.Decode(p)
	if err != nil || len(records) == 0 {
		s.retire(ctx, name, "spool-corrupt")
		zlog.Warn().Err(err).Str("file", name).Msg("spool entry unreadable")
		return true, nil
	}

	// meta 가 없거나 깨졌으면 레코드에서 복원한다
	if p.TargetID == "" {
		p.TargetID = records[0].TargetID
		p.OrganizationID = records[0].OrganizationID
	}
	if p.BatchID == "" {
		p.BatchID = strings.SplitN(name, ".", 2)[0]
	}
	p.RecordCount = len(records)

	if err := w.Write(ctx, p); err != nil {
		if !retryable(err) {
			s.retire(ctx, name, "publish-fatal")
			zlog.Error().Err(err).Str("file", name).Msg("spool entry rejected by broker")
			return true, nil
		}
		return true, err
	}

	s.mu.Lock()
	s.removeLocked(name)
	s.mu.Unlock()

	s.m.SpoolReplayed.Inc()
	zlog.Info().Str("file", name).Int("records", p.RecordCount).Msg("spool entry replayed")
	return true, nil
}

// retire 는 재전송하지 않을 파일을 archive(설정 시) 후 삭제한다.
func (s *Spool) retire(ctx context.Context, name, stage string) {
	if s.archiver != nil {
		key := BuildS3Key(s.opts.ArchivePrefix, name)
		if err := s.archive(ctx, key, name); err != nil {
			// archive 실패 시 파일을 남겨 다음 주기에 다시 시도한다
			zlog.Warn().Err(err).Str("key", key).Msg("spool archive failed")
			return
		}
		s.m.SpoolArchived.Inc()
	}

	s.mu.Lock()
	records, ok := s.removeLocked(name)
	s.mu.Unlock()

	if ok {
		s.m.SpoolEvicted.Inc()
		s.m.RawOperationFails.WithLabelValues(stage).Add(float64(records))
	}
}

// archive 는 spool 파일을 S3 로 스트리밍한다.
func (s *Spool) archive(ctx context.Context, key, name string) error {
	f, err := os.Open(filepath.Join(s.opts.Dir, name))
	if err != nil {
		return fmt.Errorf("open spool file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat spool file: %w", err)
	}
	return s.archiver.UploadFileWithRetryCtx(ctx, key, f, info.Size())
}

// removeLocked 는 data/meta 를 지우고 카운터를 줄인다.
// 이미 지워진 파일이면 ok=false.
func (s *Spool) removeLocked(name string) (records int, ok bool) {
	dataPath := filepath.Join(s.opts.Dir, name)

	info, err := os.Stat(dataPath)
	if err != nil {
		_ = os.Remove(dataPath + metaSuffix)
		return 0, false
	}
	records = s.readMeta(name).RecordCount

	if err := os.Remove(dataPath); err != nil {
		return 0, false
	}
	_ = os.Remove(dataPath + metaSuffix)

	s.sizeBytes.Add(-info.Size())
	s.files.Add(-1)
	s.syncGauges()
	return records, true
}

func (s *Spool) readMeta(name string) spoolMeta {
	var meta spoolMeta
	raw, err := os.ReadFile(filepath.Join(s.opts.Dir, name+metaSuffix))
	if err == nil {
		_ = json.Unmarshal(raw, &meta)
	}
	return meta
}

// pickOldestLocked 는 data 파일 중 이름순으로 가장 앞선 것을 고른다.
// ReadDir 결과 순서는 보장되지 않으므로 정렬한다.
func (s *Spool) pickOldestLocked() string {
	entries, err := os.ReadDir(s.opts.Dir)
	if err != nil {
		return ""
	}

	files := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == "" || name[0] == '.' ||
			strings.HasSuffix(name, metaSuffix) || strings.HasSuffix(name, tmpSuffix) {
			continue
		}
		files = append(files, name)
	}
	if len(files) == 0 {
		return ""
	}

	sort.Strings(files)
	return files[0]
}

func (s *Spool) syncGauges() {
	s.m.SpoolFiles.Set(float64(s.files.Load()))
	s.m.SpoolSizeBytes.Set(float64(s.sizeBytes.Load()))
}

// Len 은 spool 에 남은 파일 수.
func (s *Spool) Len() int64 {
	return s.files.Load()
}

func encodingFromName(name string) string {
	if strings.HasSuffix(name, ".zst") {
		return EncodingZstd
	}
	return EncodingGzip
}

var errSpoolDisabled = errors.New("spool disabled")
