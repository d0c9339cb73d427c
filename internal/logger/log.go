// internal/logger/log.go
package logger

import (
	"io"
	stdlog "log"
	"os"
	"strings"

	"usage-ingest/internal/config"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Init
//
// 애플리케이션 시작 시 한 번만 호출되는 로거 초기화 함수.
//
//   - LOG_PRETTY=true  : 콘솔용 컬러 텍스트 (로컬 개발)
//   - LOG_PRETTY=false : JSON 한 줄 로그 (운영, 로그 수집기 분석용)
//
// 모든 로그에 service / instance 필드가 붙는다.
// LOG_SAMPLE_N > 1 이면 debug/info 는 N 개 중 1 개만 기록하고
// warn/error 는 샘플링하지 않는다.
//
// 사용 예:
//
//	logger.Init(cfg)
//	log.Info().Str("addr", cfg.HTTPAddr).Msg("listening")
func Init(cfg config.Config) zerolog.Logger {
	var w io.Writer = os.Stdout
	if cfg.LogPretty {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}

	l := New(w, cfg.LogLevel, cfg.LogSampleN).
		With().
		Str("service", cfg.ServiceName).
		Str("instance", cfg.InstanceID).
		Logger()

	// 전역 Logger 교체 → 어디서든 zlog.Info() 사용 가능
	zlog.Logger = l

	// 표준 log 패키지 출력도 zerolog 로 흘려보낸다 (net/http 내부 에러 등)
	stdlog.SetFlags(0)
	stdlog.SetOutput(l)

	return l
}

// New 는 출력 대상과 레벨, 샘플링 설정만으로 로거를 만든다.
// 레벨 문자열이 잘못되면 info 로 동작한다.
func New(w io.Writer, level string, sampleN uint32) zerolog.Logger {
	lvl := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level))); err == nil && level != "" {
		lvl = l
	}
	zerolog.SetGlobalLevel(lvl)

	l := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	if sampleN > 1 {
		l = l.Sample(&zerolog.LevelSampler{
			DebugSampler: &zerolog.BasicSampler{N: sampleN},
			InfoSampler:  &zerolog.BasicSampler{N: sampleN},
		})
	}
	return l
}

// Component 는 전역 로거에 component 필드를 붙인 하위 로거를 반환한다.
func Component(name string) zerolog.Logger {
	return zlog.With().Str("component", name).Logger()
}
