package platform

// Curated fallback model lists for platforms whose catalog endpoint is
// unreliable or requires extra permissions. Used by ListModels when the
// upstream returns an error or an unrecognized shape.

var dashScopeDefaultModels = []ModelInfo{
	{ID: "qwen-plus", Name: "Qwen Plus"},
	{ID: "qwen-turbo", Name: "Qwen Turbo"},
	{ID: "qwen-max", Name: "Qwen Max"},
	{ID: "qwen-coder", Name: "Qwen Coder"},
	{ID: "qwen3-coder-plus", Name: "Qwen3 Coder Plus"},
	{ID: "qwen2.5-coder-instruct", Name: "Qwen2.5 Coder Instruct"},
	{ID: "qwen2-72b-instruct", Name: "Qwen2 72B Instruct"},
}

var siliconFlowDefaultModels = []ModelInfo{
	{ID: "Qwen/QwQ-32B", Name: "QwQ 32B"},
	{ID: "Qwen/Qwen2.5-72B-Instruct", Name: "Qwen2.5 72B Instruct"},
	{ID: "Qwen/Qwen2.5-32B-Instruct", Name: "Qwen2.5 32B Instruct"},
	{ID: "Qwen/Qwen2.5-14B-Instruct", Name: "Qwen2.5 14B Instruct"},
	{ID: "Qwen/Qwen2.5-7B-Instruct", Name: "Qwen2.5 7B Instruct"},
	{ID: "meta-llama/Meta-Llama-3.1-70B-Instruct", Name: "Llama 3.1 70B Instruct"},
	{ID: "meta-llama/Meta-Llama-3.1-8B-Instruct", Name: "Llama 3.1 8B Instruct"},
	{ID: "deepseek-ai/DeepSeek-V2.5", Name: "DeepSeek V2.5"},
}
