package speech

// VoiceSettings 控制合成音色的稳定度与相似度。
// 零值字段表示使用后端默认值。
type VoiceSettings struct {
	Stability       float64 `json:"stability" yaml:"stability"`
	SimilarityBoost float64 `json:"similarityBoost" yaml:"similarity_boost"`
	Style           float64 `json:"style" yaml:"style"`
	UseSpeakerBoost bool    `json:"useSpeakerBoost" yaml:"use_speaker_boost"`

	// Volcengine 专用
	Speed  float32 `json:"speed,omitempty" yaml:"speed,omitempty"`
	Volume float32 `json:"volume,omitempty" yaml:"volume,omitempty"`
}

// DefaultVoiceSettings mirrors the settings the call flow was tuned with.
func DefaultVoiceSettings() VoiceSettings {
	return VoiceSettings{
		Stability:       0.5,
		SimilarityBoost: 0.75,
		Style:           0,
		UseSpeakerBoost: true,
		Speed:           1.0,
		Volume:          1.0,
	}
}

// Merge overlays non-zero fields of override onto s.
func (s VoiceSettings) Merge(override *VoiceSettings) VoiceSettings {
	if override == nil {
		return s
	}
	merged := s
	if override.Stability > 0 {
		merged.Stability = override.Stability
	}
	if override.SimilarityBoost > 0 {
		merged.SimilarityBoost = override.SimilarityBoost
	}
	if override.Style > 0 {
		merged.Style = override.Style
	}
	if override.UseSpeakerBoost {
		merged.UseSpeakerBoost = true
	}
	if override.Speed > 0 {
		merged.Speed = override.Speed
	}
	if override.Volume > 0 {
		merged.Volume = override.Volume
	}
	return merged
}
