package resourcefilter

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobstream/internal/metrics"
)

// ErrNoTarget is returned when the context carries no chromedp page.
var ErrNoTarget = errors.New("resourcefilter: context has no chromedp target")

type interceptState int32

const (
	interceptPending interceptState = iota
	interceptActive
	interceptFailed
)

// Installer attaches the filter to chromedp pages, at most once per page.
type Installer struct {
	usingPaidProxy bool
	logger         *zap.Logger
	installed      *identitySet[chromedp.Target]
}

// NewInstaller creates an Installer. usingPaidProxy enables heavyweight-resource blocking.
func NewInstaller(usingPaidProxy bool, logger *zap.Logger) *Installer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Installer{
		usingPaidProxy: usingPaidProxy,
		logger:         logger.Named("resourcefilter"),
		installed:      newIdentitySet[chromedp.Target](),
	}
}

// UsingPaidProxy reports the installer's blocking mode.
func (in *Installer) UsingPaidProxy() bool {
	return in.usingPaidProxy
}

// Install enables request interception on the page bound to ctx. It returns false without error if
// the page already has the filter. The page is allocated first if needed. Install before navigating:
// requests paused while interception is starting are continued unfiltered.
func (in *Installer) Install(ctx context.Context) (bool, error) {
	c := chromedp.FromContext(ctx)
	if c == nil {
		return false, ErrNoTarget
	}
	if c.Target == nil {
		if err := chromedp.Run(ctx); err != nil {
			return false, fmt.Errorf("allocate page: %w", err)
		}
	}
	target := c.Target
	if target == nil {
		return false, ErrNoTarget
	}
	if !in.installed.claim(target) {
		return false, nil
	}

	// The listener must exist before interception starts or paused requests would hang. It goes
	// inert if Enable fails so a later Install on the same page owns resolution.
	var state atomic.Int32
	chromedp.ListenTarget(ctx, func(ev any) {
		paused, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		s := interceptState(state.Load())
		if s == interceptFailed {
			return
		}
		go in.resolve(cdp.WithExecutor(ctx, target), s, paused)
	})
	if err := chromedp.Run(ctx, fetch.Enable()); err != nil {
		state.Store(int32(interceptFailed))
		in.installed.forget(weakOf(target))
		return false, fmt.Errorf("enable fetch interception: %w", err)
	}
	state.Store(int32(interceptActive))
	return true, nil
}

// decide classifies a paused request. Only an active filter blocks anything.
func (in *Installer) decide(s interceptState, ev *fetch.EventRequestPaused) (string, bool, string) {
	var rawURL string
	if ev.Request != nil {
		rawURL = ev.Request.URL
	}
	if s != interceptActive {
		return rawURL, false, ""
	}
	block, reason := Classify(rawURL, string(ev.ResourceType), in.usingPaidProxy)
	return rawURL, block, reason
}

func (in *Installer) resolve(ctx context.Context, s interceptState, ev *fetch.EventRequestPaused) {
	rawURL, block, reason := in.decide(s, ev)
	var err error
	if block {
		metrics.ObserveBlockedRequest(reason)
		err = fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(ctx)
	} else {
		err = fetch.ContinueRequest(ev.RequestID).Do(ctx)
	}
	if err != nil && ctx.Err() == nil {
		in.logger.Debug("resolve paused request", zap.String("url", rawURL), zap.Bool("blocked", block), zap.Error(err))
	}
}
