package infra

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"admission-gateway/middleware/admission/domain"
)

// ErrUnsupportedFormat indica uma extensão de arquivo de regras desconhecida.
var ErrUnsupportedFormat = errors.New("admission: unsupported rules format")

// ParseRules lê regras em "yaml" ou "json" e as valida.
//
// Exemplo (YAML):
//
//	flow:
//	  - resource: /orders
//	    qps: 50
//	circuit:
//	  - resource: GET:/orders
//	    consecutive_failures: 5
//	    timeout: 30s
func ParseRules(data []byte, format string) (domain.Rules, error) {
	var parser koanf.Parser
	switch strings.ToLower(format) {
	case "yaml", "yml":
		parser = yaml.Parser()
	case "json":
		parser = json.Parser()
	default:
		return domain.Rules{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), parser); err != nil {
		return domain.Rules{}, fmt.Errorf("admission: parse rules: %w", err)
	}

	var rules domain.Rules
	if err := k.Unmarshal("", &rules); err != nil {
		return domain.Rules{}, fmt.Errorf("admission: decode rules: %w", err)
	}
	if err := ValidateRules(rules); err != nil {
		return domain.Rules{}, err
	}
	return rules, nil
}

// LoadRulesFile lê um arquivo .yaml, .yml ou .json de regras.
func LoadRulesFile(path string) (domain.Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Rules{}, fmt.Errorf("admission: read rules: %w", err)
	}
	return ParseRules(data, strings.TrimPrefix(filepath.Ext(path), "."))
}

// RulesWatcher recarrega um arquivo de regras quando ele muda no disco.
type RulesWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	debounce time.Duration
	onChange func(domain.Rules, error)
}

// WatchRules observa o diretório do arquivo (editores costumam salvar
// removendo e recriando o arquivo) e chama onChange a cada alteração,
// depois de debounce sem novos eventos. Chame Run para processar os eventos.
func WatchRules(path string, onChange func(domain.Rules, error), debounce time.Duration) (*RulesWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("admission: create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return nil, errors.Join(fmt.Errorf("admission: watch %s: %w", filepath.Dir(abs), err), w.Close())
	}
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	return &RulesWatcher{path: abs, watcher: w, debounce: debounce, onChange: onChange}, nil
}

// Run processa eventos até ctx encerrar. Sempre fecha o watcher ao sair.
func (w *RulesWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.onChange(domain.Rules{}, fmt.Errorf("admission: watch rules: %w", err))
		case <-timerC:
			timerC = nil
			w.onChange(LoadRulesFile(w.path))
		}
	}
}
