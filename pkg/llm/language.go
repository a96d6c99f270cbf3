package llm

import (
	"strings"

	"github.com/pemistahl/lingua-go"
)

// LanguageDetector 判断用户消息所使用的语言，用于让回复与用户语言一致。
type LanguageDetector interface {
	Detect(text string) (string, bool)
}

type linguaDetector struct {
	detector lingua.LanguageDetector
}

// NewLanguageDetector 基于配置的语言名称（如 "english"、"spanish"）构建检测器。
// 可识别的语言少于两种时返回 nil，调用方需退回到“跟随用户语言”的提示。
func NewLanguageDetector(names []string) LanguageDetector {
	var languages []lingua.Language
	for _, name := range names {
		for _, lang := range lingua.AllLanguages() {
			if strings.EqualFold(lang.String(), strings.TrimSpace(name)) {
				languages = append(languages, lang)
				break
			}
		}
	}
	if len(languages) < 2 {
		return nil
	}
	return &linguaDetector{
		detector: lingua.NewLanguageDetectorBuilder().FromLanguages(languages...).Build(),
	}
}

func (d *linguaDetector) Detect(text string) (string, bool) {
	lang, ok := d.detector.DetectLanguageOf(text)
	if !ok {
		return "", false
	}
	return lang.String(), true
}
