/*
Package tuner implements the adaptive knob controller.

Samples reported by the retrieval service are buffered in a sliding window.
Once the window holds enough samples and the sample interval has elapsed since
the previous change, Decide compares the window aggregate with the SLO:

  - p95 above the latency SLO while recall is satisfied: step the knob down
  - recall below the recall SLO: step the knob up
  - otherwise, or when the step is pinned at a bound: hold

A change clears the window, bumps the history length and is persisted through
a StateSaver so history_len survives restarts. The knob never leaves
[lower_bound, upper_bound].

	ctrl, err := tuner.NewController(cfg)
	res, err := ctrl.Suggest(ctx, sample)
	fmt.Println(res.Decision.Action, res.KnobValue)
*/
package tuner
