package gemini

import "encoding/json"

type generateRequest struct {
	Model                  string            `json:"model"`
	Contents               []content         `json:"contents"`
	SystemInstruction      *content          `json:"systemInstruction"`
	SystemInstructionSnake *content          `json:"system_instruction"`
	Tools                  []json.RawMessage `json:"tools"`
	GenerationConfig       *generationConfig `json:"generationConfig"`
	GenerationConfigSnake  *generationConfig `json:"generation_config"`
}

type content struct {
	Role  string            `json:"role"`
	Parts []json.RawMessage `json:"parts"`
}

type part struct {
	Text                string          `json:"text"`
	InlineData          json.RawMessage `json:"inlineData"`
	InlineDataSnake     json.RawMessage `json:"inline_data"`
	FileData            json.RawMessage `json:"fileData"`
	FileDataSnake       json.RawMessage `json:"file_data"`
	FunctionCall        json.RawMessage `json:"functionCall"`
	FunctionCallSnake   json.RawMessage `json:"function_call"`
	FunctionResponse    json.RawMessage `json:"functionResponse"`
	FunctionRespSnake   json.RawMessage `json:"function_response"`
	ExecutableCode      json.RawMessage `json:"executableCode"`
	CodeExecutionResult json.RawMessage `json:"codeExecutionResult"`
}

type generationConfig struct {
	MaxOutputTokens      *int64 `json:"maxOutputTokens"`
	MaxOutputTokensSnake *int64 `json:"max_output_tokens"`
}

type generateResponse struct {
	Candidates []struct {
		GroundingMetadata json.RawMessage `json:"groundingMetadata"`
	} `json:"candidates"`
	UsageMetadata *usageMetadata `json:"usageMetadata"`
}

type usageMetadata struct {
	PromptTokenCount        int64 `json:"promptTokenCount"`
	CandidatesTokenCount    int64 `json:"candidatesTokenCount"`
	CachedContentTokenCount int64 `json:"cachedContentTokenCount"`
	ThoughtsTokenCount      int64 `json:"thoughtsTokenCount"`
	ToolUsePromptTokenCount int64 `json:"toolUsePromptTokenCount"`
}
