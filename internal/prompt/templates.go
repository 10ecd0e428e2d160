package prompt

// Built in templates. {{knowledge}} and {{rules}} are shared blocks, every
// other {{name}} is a variable; {{#if name}}...{{/if}} keeps its body only
// when the variable is set.

const knowledgeBlock = `## Knowledge

### Environment
- Manim Community Edition v0.19. Vectorized drawing, animations chained through ` + "`.animate`" + `.
- Scene classes: Scene, MovingCameraScene, ThreeDScene.

### API index
- Coordinate systems: Axes(x_range, y_range, x_length, y_length, axis_config, tips), NumberLine, NumberPlane.
- Shapes: Circle, Square, Rectangle, Line, Arrow, Dot, Brace, Polygon, Arc.
- Text and formulas: Tex, MathTex(substrings_to_isolate, tex_to_color_map), Text, DecimalNumber.
- Animations: Create, Write, FadeIn, FadeOut, Transform, ReplacementTransform, Indicate.
- Dynamic values: ValueTracker, always_redraw, add_updater.`

const rulesBlock = `## Rules

### Forbidden
- No explanations before or after the code.
- No deprecated names: ShowCreation, TextMobject, TexMobject, number_scale_val.
- Never index MathTex with [i]; isolate parts with substrings_to_isolate and get_part_by_tex.
- Never pass visual options directly to Axes; put them in axis_config.

### Principles
- Use ValueTracker with always_redraw for anything that changes continuously.
- Place every plotted object through axes.c2p so it stays on the coordinate system.
- Use a dark background and consistent colors for elements with the same meaning.`

const conceptDesignerSystem = `You are a mathematics animation director. You turn a concept into a precise,
shot by shot scene design that a Manim programmer can implement without guessing.`

const conceptDesignerUser = `## Goal
Design {{#if isVideo}}an animation{{/if}}{{#if isImage}}a set of still images{{/if}} that explains: {{concept}}

Variation seed: {{seed}} (use it only for small layout choices, never for the mathematics).

{{knowledge}}

## Output
Describe objects, positions, colors, formulas and the order of events.
{{#if isImage}}Describe each still image separately and number them from 1.{{/if}}
Wrap the whole design in <design></design>.`

const codeGenerationSystem = `You are a Manim expert who explains mathematical concepts through animation.
Follow the prompt exactly and write code for Manim Community Edition v0.19.`

const codeGenerationUser = `## Goal
Concept: {{concept}}
Variation seed: {{seed}}

## Scene design
{{sceneDesign}}

{{knowledge}}

{{rules}}

## Output
{{#if isVideo}}Output one complete Python file whose main class is MainScene (ThreeDScene for 3D).
Put the code between the lines ### START ### and ### END ###.{{/if}}
{{#if isImage}}Output one block per still image. Block N starts with ### YON_IMAGE_N_START ###
and ends with ### YON_IMAGE_N_END ###, and each block is a complete file with exactly one Scene class.
Nothing may appear outside the blocks.{{/if}}`

const codeRetrySystem = `You are a Manim expert fixing code that failed to render.
Return the complete corrected program and nothing else.`

const codeRetryUser = `## Fix attempt {{attempt}}
Concept: {{concept}}
Error: {{errorMessage}}

{{rules}}

Fix only what the error points at and keep everything else unchanged.
{{#if isVideo}}Return the full file between ### START ### and ### END ###.{{/if}}
{{#if isImage}}Return every image block with its ### YON_IMAGE_N_START ### and ### YON_IMAGE_N_END ### markers.{{/if}}`

const codeEditSystem = `You are a Manim expert editing an existing animation according to the user's instructions.`

const codeEditUser = `## Edit request
Concept: {{concept}}
Instructions: {{instructions}}

{{rules}}

## Current code
{{code}}

{{#if isVideo}}Return the full edited file between ### START ### and ### END ###.{{/if}}
{{#if isImage}}Return every image block with its ### YON_IMAGE_N_START ### and ### YON_IMAGE_N_END ### markers.{{/if}}`
