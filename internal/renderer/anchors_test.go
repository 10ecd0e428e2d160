package renderer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoImages = `
### YON_IMAGE_2_START ###
from manim import *

class Second(Scene):
    def construct(self):
        self.add(Square())
### YON_IMAGE_2_END ###

###YON_IMAGE_1_START###
from manim import *

class First(MovingCameraScene):
    def construct(self):
        self.add(Circle())
###YON_IMAGE_1_END###
`

func TestParseImageBlocks(t *testing.T) {
	blocks, err := ParseImageBlocks(twoImages)
	require.NoError(t, err)
	require.Len(t, blocks, 2)

	assert.Equal(t, 1, blocks[0].Index)
	assert.Equal(t, "First", blocks[0].SceneName)
	assert.Contains(t, blocks[0].Code, "Circle()")
	assert.NotContains(t, blocks[0].Code, "YON_IMAGE")

	assert.Equal(t, 2, blocks[1].Index)
	assert.Equal(t, "Second", blocks[1].SceneName)
}

func TestParseImageBlocks_RejectsCodeOutsideAnchors(t *testing.T) {
	code := "import os\n" + twoImages
	_, err := ParseImageBlocks(code)
	assert.ErrorIs(t, err, ErrInvalidAnchors)

	code = twoImages + "\nprint('trailing')\n"
	_, err = ParseImageBlocks(code)
	assert.ErrorIs(t, err, ErrInvalidAnchors)
}

func TestParseImageBlocks_MismatchedIndexes(t *testing.T) {
	code := "### YON_IMAGE_1_START ###\nclass A(Scene):\n    pass\n### YON_IMAGE_2_END ###"
	_, err := ParseImageBlocks(code)
	assert.ErrorIs(t, err, ErrInvalidAnchors)
}

func TestParseImageBlocks_DuplicateIndex(t *testing.T) {
	code := `### YON_IMAGE_1_START ###
class A(Scene):
    pass
### YON_IMAGE_1_END ###
### YON_IMAGE_01_START ###
class B(Scene):
    pass
### YON_IMAGE_01_END ###`
	_, err := ParseImageBlocks(code)
	assert.ErrorIs(t, err, ErrInvalidAnchors)
	assert.Contains(t, err.Error(), "duplicate block index 1")
}

func TestParseImageBlocks_NoBlocks(t *testing.T) {
	_, err := ParseImageBlocks("class A(Scene):\n    pass\n")
	assert.ErrorIs(t, err, ErrInvalidAnchors)

	_, err = ParseImageBlocks("### YON_IMAGE_1_START ###\n   \n### YON_IMAGE_1_END ###")
	assert.ErrorIs(t, err, ErrInvalidAnchors)
}

func TestParseImageBlocks_MissingScene(t *testing.T) {
	code := "### YON_IMAGE_1_START ###\nx = 1\n### YON_IMAGE_1_END ###"
	_, err := ParseImageBlocks(code)
	assert.ErrorIs(t, err, ErrNoScene)
}

func TestSceneName(t *testing.T) {
	name, err := SceneName("class Helper:\n    pass\nclass Demo ( ThreeDScene ) :\n    pass")
	require.NoError(t, err)
	assert.Equal(t, "Demo", name)
}

func TestCleanCode(t *testing.T) {
	assert.Equal(t, "x = 1", cleanCode("\uFEFFx = 1\uFFFD"))
}
