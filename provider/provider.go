// Package provider contains model backends implementing role.LLMClient.
//
// Subpackages:
//   - openai: OpenAI chat completions
//   - claude: Anthropic messages
//   - gemini: Google Gemini
package provider
