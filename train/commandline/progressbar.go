// Package commandline attaches terminal UI niceties to a training engine.
package commandline

import (
	"fmt"
	"os"

	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"

	"github.com/fgtrain/fgtrain/train"
)

// ProgressBarName is the hook name used by AttachProgressBar.
const ProgressBarName = "fgtrain.train.commandline.progressBar"

type progressBar struct {
	bar    *progressbar.ProgressBar
	output *termenv.Output
}

func (pBar *progressBar) onStep(e *train.Engine, loss float64) error {
	state := e.State()
	if pBar.bar == nil {
		// The planned step count is only known once Train started.
		pBar.output = termenv.NewOutput(os.Stdout)
		pBar.output.HideCursor()
		pBar.bar = progressbar.NewOptions(e.TotalOptimizationSteps(),
			progressbar.OptionSetDescription("Training: "),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("steps"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		)
	}
	pBar.bar.Describe(fmt.Sprintf("Epoch %d, loss=%.4f: ", state.Epoch+1, loss))
	return pBar.bar.Set(state.OptimizerSteps)
}

func (pBar *progressBar) onEnd(e *train.Engine) error {
	if pBar.bar == nil {
		return nil
	}
	err := pBar.bar.Finish()
	pBar.output.ShowCursor()
	fmt.Println()
	return err
}

// AttachProgressBar displays a progress bar over the planned optimizer steps,
// updated after every training step with the current epoch and batch loss.
func AttachProgressBar(e *train.Engine) {
	pBar := &progressBar{}
	e.OnStep(ProgressBarName, 100, pBar.onStep)
	e.OnEnd(ProgressBarName, 100, pBar.onEnd)
}
