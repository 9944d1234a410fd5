package types

// SceneType identifies the kind of predict request.
//
// SceneImageText (3) is a presentational variant of SceneImage and normalises
// to it for session-consistency purposes: a session that started with scene 1
// may continue with scene 3 and vice versa, but never switch to scene 2.
type SceneType int

const (
	SceneImage     SceneType = 1 // screenshot images only
	SceneTextQA    SceneType = 2 // free-text question answering
	SceneImageText SceneType = 3 // screenshot images mixed with text
)

// IsValid reports whether s is a recognised scene type.
func (s SceneType) IsValid() bool {
	return s == SceneImage || s == SceneTextQA || s == SceneImageText
}

// Normalise collapses SceneImageText to SceneImage. All session-level
// consistency checks compare normalised values.
func (s SceneType) Normalise() SceneType {
	if s == SceneImageText {
		return SceneImage
	}
	return s
}
