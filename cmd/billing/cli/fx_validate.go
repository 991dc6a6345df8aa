package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/toothpick/billing/internal/fx"
)

// Exit codes returned by the fx validate command.
const (
	ExitOK   = 0
	ExitFail = 1
	ExitGaps = 10
)

// FXOpsCLI runs rate checks against the configured providers.
type FXOpsCLI struct {
	rates  fx.RateProvider
	source fx.Source
}

// NewFXOpsCLI builds the fx command helpers.
func NewFXOpsCLI(rates fx.RateProvider, source fx.Source) (*FXOpsCLI, error) {
	if rates == nil {
		return nil, errors.New("fx cli: rate provider required")
	}
	if source == "" {
		source = fx.SourceExchangeRateAPI
	}
	return &FXOpsCLI{rates: rates, source: source}, nil
}

// FXValidateOptions defines available flags for the fx validate command.
type FXValidateOptions struct {
	Pairs      string
	Provider   string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// FXValidateSummary describes the JSON response for fx validate.
type FXValidateSummary struct {
	OK        bool              `json:"ok"`
	Source    string            `json:"source"`
	Gaps      []fx.Gap          `json:"gaps"`
	Available []FXAvailableRate `json:"available"`
}

// FXAvailableRate reports a resolved pair.
type FXAvailableRate struct {
	Pair string `json:"pair"`
	Rate string `json:"rate"`
}

// ValidateCommand resolves every requested pair and prints the outcome. It
// returns ExitGaps when any pair has no usable rate.
func (c *FXOpsCLI) ValidateCommand(ctx context.Context, opts FXValidateOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if strings.TrimSpace(opts.Pairs) == "" {
		_, _ = fmt.Fprintln(opts.Stderr, "fx validate: --pairs is required (e.g. USDMXN,EURMXN)")
		return ExitFail
	}
	pairs, err := fx.ParsePairs(opts.Pairs)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "fx validate: %v\n", err)
		return ExitFail
	}
	source, err := fx.ParseSource(opts.Provider, c.source)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "fx validate: %v\n", err)
		return ExitFail
	}
	result, err := fx.Validate(ctx, c.rates, source, pairs)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "fx validate: %v\n", err)
		return ExitFail
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(buildValidateSummary(result)); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "fx validate: encode json: %v\n", err)
			return ExitFail
		}
	} else {
		renderValidateHuman(opts.Stdout, result)
	}
	if !result.Complete() {
		return ExitGaps
	}
	return ExitOK
}

func buildValidateSummary(result fx.Result) FXValidateSummary {
	available := make([]FXAvailableRate, 0, len(result.Available))
	for pair, rate := range result.Available {
		available = append(available, FXAvailableRate{Pair: pair, Rate: rate.String()})
	}
	sort.Slice(available, func(i, j int) bool { return available[i].Pair < available[j].Pair })
	return FXValidateSummary{
		OK:        result.Complete(),
		Source:    string(result.Source),
		Gaps:      result.Gaps,
		Available: available,
	}
}

func renderValidateHuman(out io.Writer, result fx.Result) {
	_, _ = fmt.Fprintf(out, "FX validation against %s: %d pair(s) checked\n", result.Source, result.Checked)
	if result.Complete() {
		_, _ = fmt.Fprintln(out, "All requested rates are available.")
	} else {
		_, _ = fmt.Fprintf(out, "%d gap(s) detected:\n", len(result.Gaps))
		for _, gap := range result.Gaps {
			_, _ = fmt.Fprintf(out, " - %s: %s\n", gap.Pair, gap.Reason)
		}
	}
	summary := buildValidateSummary(result)
	if len(summary.Available) > 0 {
		_, _ = fmt.Fprintln(out, "Available:")
		for _, a := range summary.Available {
			_, _ = fmt.Fprintf(out, " - %s %s\n", a.Pair, a.Rate)
		}
	}
}
