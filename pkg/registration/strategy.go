package registration

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Strategy identifies which registration estimate is carried forward
type Strategy int

const (
	// BoundaryBased is the refinement optimizing tissue-boundary contrast
	BoundaryBased Strategy = iota
	// Rigid is the coarse rigid or affine coregistration used as fallback
	Rigid
)

func (s Strategy) String() string {
	switch s {
	case BoundaryBased:
		return "bbr"
	case Rigid:
		return "rigid"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// Mode is the boundary-based registration policy
type Mode int

const (
	// Auto runs the refinement and rejects it when it deviates too far
	Auto Mode = iota
	// Always accepts the refinement unconditionally
	Always
	// Never skips the refinement and keeps the coarse registration
	Never
)

func (m Mode) String() string {
	switch m {
	case Auto:
		return "auto"
	case Always:
		return "always"
	case Never:
		return "never"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode accepts auto, always and never (and true/false as aliases)
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto", "none":
		return Auto, nil
	case "always", "true", "on":
		return Always, nil
	case "never", "false", "off":
		return Never, nil
	}
	return Auto, fmt.Errorf("unknown BBR mode %q (want auto, always or never)", s)
}

// Init is how the coarse registration is initialized
type Init string

const (
	// InitRegister aligns the volumes by their centers and runs a coarse registration first
	InitRegister Init = "register"
	// InitHeader trusts the image headers and seeds the refinement directly
	InitHeader Init = "header"
)

// ErrUnsupportedInit is returned for initialization modes a tool cannot honour
var ErrUnsupportedInit = errors.New("unsupported registration initialization")

// Resolve validates the mode/init combination and returns the effective mode.
// Header initialization leaves no coarse estimate to fall back to, so Auto
// becomes Always and Never is rejected.
func Resolve(mode Mode, init Init, logger *zap.Logger) (Mode, error) {
	switch init {
	case InitRegister:
		return mode, nil
	case InitHeader:
		switch mode {
		case Never:
			return mode, fmt.Errorf("%w: cannot disable BBR and use header registration", ErrUnsupportedInit)
		case Auto:
			if logger != nil {
				logger.Warn("Initializing BBR with header; affine fallback disabled")
			}
			return Always, nil
		}
		return mode, nil
	}
	return mode, fmt.Errorf("%w: unknown PET-T1w initialization option %q", ErrUnsupportedInit, init)
}

// Candidate is one registration estimate with its quality report
type Candidate struct {
	Strategy  Strategy
	Transform Affine
	// Path is the file Transform was read from, empty for in-memory estimates
	Path      string
	Report    string
}

// SelectionIndex maps a fallback flag onto the (boundary-based, coarse) list order
func SelectionIndex(useFallback bool) int {
	if useFallback {
		return 1
	}
	return 0
}

// StrategyFor returns the strategy implied by a fallback flag
func StrategyFor(useFallback bool) Strategy {
	if useFallback {
		return Rigid
	}
	return BoundaryBased
}

// Select returns the candidate matching the decision, so the transform and
// its report are always picked together.
func Select(d FallbackDecision, candidates ...Candidate) (Candidate, error) {
	want := StrategyFor(d.UseFallback)
	for _, c := range candidates {
		if c.Strategy == want {
			return c, nil
		}
	}
	return Candidate{}, fmt.Errorf("no %s candidate among %d", want, len(candidates))
}

// Tool is the software suite performing the registration
type Tool string

const (
	FreeSurfer Tool = "FreeSurfer"
	FSL        Tool = "FSL"
)

// Describe returns the one-line registration summary used in reports
func Describe(tool Tool, dof int, fallback bool) string {
	switch tool {
	case FSL:
		if fallback {
			return "FSL <code>flirt</code> rigid registration - 6 dof"
		}
		return fmt.Sprintf("FSL <code>flirt</code> with boundary-based registration (BBR) metric - %d dof", dof)
	default:
		if fallback {
			return fmt.Sprintf("FreeSurfer <code>mri_coreg</code> - %d dof", dof)
		}
		return fmt.Sprintf("FreeSurfer <code>bbregister</code> (boundary-based registration, BBR) - %d dof", dof)
	}
}

// ReportSuffix is the desc entity of the registration reportlet
func ReportSuffix(tool Tool, fallback bool) string {
	if fallback {
		if tool == FreeSurfer {
			return "coreg"
		}
		return "flirtnobbr"
	}
	if tool == FreeSurfer {
		return "bbregister"
	}
	return "flirtbbr"
}

// ValidDOF reports whether dof is a supported degrees-of-freedom setting
func ValidDOF(dof int) bool {
	return dof == 6 || dof == 9 || dof == 12
}
