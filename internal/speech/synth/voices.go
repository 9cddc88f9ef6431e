package synth

import "strings"

// DefaultVoices maps a short language code to the voice used when none is
// configured.
var DefaultVoices = map[string]string{
	"ka": "ka-GE-EkaNeural",
	"en": "en-GB-SoniaNeural",
	"ru": "ru-RU-SvetlanaNeural",
}

// VoiceFor returns the voice to use. An explicit voice wins; otherwise the
// language default applies, falling back to English.
func VoiceFor(voice, language string) string {
	if voice != "" && voice != "default" {
		return voice
	}
	if v, ok := DefaultVoices[strings.ToLower(language)]; ok {
		return v
	}
	return DefaultVoices["en"]
}

// LanguageFromVoice extracts the BCP-47 prefix of a voice name such as
// "en-GB-Neural2-A". Names without a region yield "en-US".
func LanguageFromVoice(voice string) string {
	parts := strings.SplitN(voice, "-", 3)
	if len(parts) < 2 || len(parts[0]) < 2 || len(parts[0]) > 3 || len(parts[1]) != 2 {
		return "en-US"
	}
	return parts[0] + "-" + strings.ToUpper(parts[1])
}
