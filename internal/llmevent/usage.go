package llmevent

// TotalTokens returns the tokens consumed by one completion.
func TotalTokens(inputTokens, outputTokens int) int {
	return inputTokens + outputTokens
}
