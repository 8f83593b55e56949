// Package questions resolves the question sheets a host selects when
// starting a game. Sheets live as YAML files on disk for the server binary;
// tests and embedders use a StaticSource instead.
package questions

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"
)

var ErrNoQuestions = errors.New("no usable questions for the chosen sheets")
var ErrUnknownSheet = errors.New("unknown question sheet")

// Question is one prompt/answer pair. Answers are matched as plain strings;
// normalization is the game layer's concern.
type Question struct {
	Text   string `json:"question" mapstructure:"question"`
	Answer string `json:"answer" mapstructure:"answer"`
}

// Sheet is a named list of questions.
type Sheet struct {
	ID        string     `json:"id" mapstructure:"id"`
	Name      string     `json:"name" mapstructure:"name"`
	Questions []Question `json:"questions" mapstructure:"questions"`
}

// Catalog is the resolved question payload for one game.
type Catalog struct {
	Sheets []Sheet `json:"sheets"`
}

// QuestionCount sums questions across all sheets.
func (c *Catalog) QuestionCount() int {
	n := 0
	for _, s := range c.Sheets {
		n += len(s.Questions)
	}
	return n
}

// Flatten returns all questions in sheet order, which is the order every
// peer plays them in.
func (c *Catalog) Flatten() []Question {
	out := make([]Question, 0, c.QuestionCount())
	for _, s := range c.Sheets {
		out = append(out, s.Questions...)
	}
	return out
}

// Source resolves sheet ids into a catalog. The host coordinator calls this
// exactly once, while starting a game.
type Source interface {
	GetQuestionsForSheets(ids []string) (*Catalog, error)
}

// FileSource loads one YAML file per sheet id from a directory.
type FileSource struct {
	Dir string
}

func (f FileSource) GetQuestionsForSheets(ids []string) (*Catalog, error) {
	if len(ids) == 0 {
		return nil, ErrNoQuestions
	}

	catalog := &Catalog{}
	for _, id := range ids {
		sheet, err := f.loadSheet(id)
		if err != nil {
			return nil, err
		}
		catalog.Sheets = append(catalog.Sheets, sheet)
	}

	if catalog.QuestionCount() == 0 {
		return nil, ErrNoQuestions
	}
	return catalog, nil
}

func (f FileSource) loadSheet(id string) (Sheet, error) {
	v := viper.New()
	v.SetConfigName(id)
	v.SetConfigType("yaml")
	v.AddConfigPath(f.Dir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return Sheet{}, fmt.Errorf("%w: %s", ErrUnknownSheet, id)
		}
		return Sheet{}, fmt.Errorf("read sheet %s: %w", id, err)
	}

	var sheet Sheet
	if err := v.Unmarshal(&sheet); err != nil {
		return Sheet{}, fmt.Errorf("parse sheet %s: %w", id, err)
	}
	sheet.ID = id
	if sheet.Name == "" {
		sheet.Name = id
	}

	if err := validateSheet(sheet); err != nil {
		return Sheet{}, err
	}
	return sheet, nil
}

func validateSheet(sheet Sheet) error {
	if len(sheet.Questions) == 0 {
		return fmt.Errorf("%w: sheet %s is empty", ErrNoQuestions, sheet.ID)
	}
	for i, q := range sheet.Questions {
		if q.Text == "" {
			return fmt.Errorf("sheet %s: question %d has no text", sheet.ID, i+1)
		}
		if q.Answer == "" {
			return fmt.Errorf("sheet %s: question %d has no answer", sheet.ID, i+1)
		}
	}
	return nil
}

// StaticSource serves a fixed set of sheets from memory.
type StaticSource struct {
	Sheets map[string]Sheet
}

func (s StaticSource) GetQuestionsForSheets(ids []string) (*Catalog, error) {
	if len(ids) == 0 {
		return nil, ErrNoQuestions
	}

	catalog := &Catalog{}
	for _, id := range ids {
		sheet, ok := s.Sheets[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSheet, id)
		}
		catalog.Sheets = append(catalog.Sheets, sheet)
	}

	if catalog.QuestionCount() == 0 {
		return nil, ErrNoQuestions
	}
	return catalog, nil
}
