package module

// All returns one instance of every step module, sharing env.
func All(env *Env) []StepModule {
	return []StepModule{
		NewParallel(env),
		NewVote(env),
		NewMakerRecursive(env),
		NewForeach(env),
		NewWhile(env),
		NewConditional(env),
		NewConnectorCall(env),
		NewTransform(env),
		NewAssign(env),
		NewCheckpoint(env),
		NewRetrieveFacts(env),
		NewWorkflowCall(env),
	}
}

// Pending sums the pending work of mods.
func Pending(mods []StepModule) int {
	n := 0
	for _, m := range mods {
		n += m.Pending()
	}

	return n
}
