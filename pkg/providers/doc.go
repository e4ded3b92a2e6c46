// Package providers brings up the execution providers for every role and
// derives the configuration downgrade that follows a failed initialization.
//
// A Pack is built once per application lifetime. For each enabled role it
// asks the factory for the preferred provider and initializes it; failures are
// captured per role and never stop the remaining roles. ApplyFallback then
// turns the captured failures into a new ExecutionConfig in which every
// enabled role is backed by a provider that came up:
//
//	pack, err := providers.NewPack(ctx, cfg, registry, providers.Options{})
//	if err != nil {
//	    return err // abort only
//	}
//	if pack.HadSomeFailures(cfg) {
//	    cfg = providers.ApplyFallback(pack.Outcomes(), cfg)
//	}
package providers
