package entity

import (
	"fmt"
	"strings"
)

// DocumentType 可协同编辑的文档种类（封闭枚举，过了解析边界后不再出现裸字符串）
type DocumentType uint8

const (
	docTypeUnknown DocumentType = iota
	DocQuiz
	DocQuizTemplate
	DocLecture
	DocMaterial
)

var docTypeNames = map[DocumentType]string{
	DocQuiz:         "quiz",
	DocQuizTemplate: "quizTemplate",
	DocLecture:      "lecture",
	DocMaterial:     "material",
}

func (t DocumentType) String() string {
	if name, ok := docTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("DocumentType(%d)", uint8(t))
}

func (t DocumentType) Valid() bool {
	_, ok := docTypeNames[t]
	return ok
}

// ParseDocumentType 大小写不敏感，兼容 quiz_template / quiz-template 写法
func ParseDocumentType(s string) (DocumentType, error) {
	norm := strings.ToLower(strings.NewReplacer("_", "", "-", "").Replace(strings.TrimSpace(s)))
	for t, name := range docTypeNames {
		if strings.ToLower(name) == norm {
			return t, nil
		}
	}
	return docTypeUnknown, fmt.Errorf("unknown document type %q", s)
}

func (t DocumentType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid document type %d", uint8(t))
	}
	return []byte(t.String()), nil
}

func (t *DocumentType) UnmarshalText(b []byte) error {
	parsed, err := ParseDocumentType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
